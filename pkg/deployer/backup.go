package deployer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

const archiveExt = ".zst"

// compress replaces path with a zstd archive and returns the archive name.
func compress(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dst := path + archiveExt
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}
	return dst, os.Remove(path)
}

// Decompress writes the contents of a zstd backup archive to w.
func Decompress(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()
	_, err = io.Copy(w, dec)
	return err
}

// Backups lists the archived backups of the rule file, oldest first.
func (d *Deployer) Backups() ([]string, error) {
	matches, err := filepath.Glob(d.cfg.RulePath + ".backup.*" + archiveExt)
	if err != nil {
		return nil, err
	}
	// The timestamp format sorts lexically.
	sort.Strings(matches)
	return matches, nil
}

func (d *Deployer) prune() error {
	if d.cfg.BackupCount <= 0 {
		return nil
	}
	backups, err := d.Backups()
	if err != nil {
		return err
	}
	for len(backups) > d.cfg.BackupCount {
		if err := os.Remove(backups[0]); err != nil {
			return err
		}
		backups = backups[1:]
	}
	return nil
}
