package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// ErrPreflight is wrapped by the error returned from FirstFailure.
var ErrPreflight = errors.New("preflight failed")

// Check is the outcome of one startup check.
type Check struct {
	Name   string
	Detail string
	Err    error
	// Warn marks a degraded but non-fatal condition.
	Warn bool
}

// OK reports whether the check passed.
func (c Check) OK() bool { return c.Err == nil }

// Preflight verifies the runtime prerequisites: a valid configuration, a
// readable alert file and a writable rule directory. Optional stores are
// checked only when enabled.
func Preflight(cfg RunnerConfig) []Check {
	var checks []Check

	if err := cfg.Validate(); err != nil {
		checks = append(checks, Check{Name: "configuration", Err: err})
	} else {
		checks = append(checks, Check{Name: "configuration", Detail: "valid"})
	}

	checks = append(checks, checkReadable("alert file", cfg.AlertFilePath))
	checks = append(checks, checkWritableDir("rule directory", filepath.Dir(cfg.RuleFilePath)))
	checks = append(checks, checkWritableDir("state directory", filepath.Dir(cfg.SIDStateFilePath)))

	model := Check{Name: "classifier", Detail: cfg.EffectiveModelType()}
	if cfg.ModelType == ModelRemote && cfg.APIKey == "" {
		model.Detail = "local (no API key for remote model)"
		model.Warn = true
	} else if cfg.EffectiveModelType() == ModelRemote {
		model.Detail = fmt.Sprintf("remote %s", cfg.ModelName)
	}
	checks = append(checks, model)

	if cfg.HistoryPath != "" {
		checks = append(checks, checkWritableDir("history directory", filepath.Dir(cfg.HistoryPath)))
	}
	return checks
}

// FirstFailure returns the first failed check as an error, or nil.
func FirstFailure(checks []Check) error {
	for _, c := range checks {
		if c.Err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPreflight, c.Name, c.Err)
		}
	}
	return nil
}

func checkReadable(name, path string) Check {
	f, err := os.Open(path)
	if err != nil {
		return Check{Name: name, Detail: path, Err: err}
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return Check{Name: name, Detail: path, Err: err}
	}
	if fi.IsDir() {
		return Check{Name: name, Detail: path, Err: fmt.Errorf("%s is a directory", path)}
	}
	return Check{Name: name, Detail: fmt.Sprintf("%s (%s)", path, humanize.Bytes(uint64(fi.Size())))}
}

// checkWritableDir verifies dir, or the nearest ancestor that exists, is a
// writable directory. Missing directories are created at startup by their
// owners, not here.
func checkWritableDir(name, dir string) Check {
	existing, missing := nearestExisting(dir)
	fi, err := os.Stat(existing)
	if err != nil {
		return Check{Name: name, Detail: dir, Err: err}
	}
	if !fi.IsDir() {
		return Check{Name: name, Detail: dir, Err: fmt.Errorf("%s is not a directory", existing)}
	}
	f, err := os.CreateTemp(existing, ".ml-runner-probe-*")
	if err != nil {
		return Check{Name: name, Detail: dir, Err: fmt.Errorf("not writable: %w", err)}
	}
	f.Close()
	os.Remove(f.Name())
	if missing {
		return Check{Name: name, Detail: fmt.Sprintf("%s (will be created)", dir)}
	}
	return Check{Name: name, Detail: dir}
}

// nearestExisting walks up from dir to the first path that exists.
func nearestExisting(dir string) (string, bool) {
	dir = filepath.Clean(dir)
	missing := false
	for {
		if _, err := os.Stat(dir); err == nil || !errors.Is(err, os.ErrNotExist) {
			return dir, missing
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir, missing
		}
		dir = parent
		missing = true
	}
}
