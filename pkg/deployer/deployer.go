// Package deployer installs generated rules into the live rule file.
//
// A deployment is a small state machine. The candidate file is staged next
// to the active one, validated, backed up, swapped in with a rename and the
// engine is told to reload. Deploy only ever returns a terminal state:
// Reloaded on success, Rejected when the active file was never touched, or
// RolledBack when the swap happened but the reload failed and the backup was
// restored.
package deployer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

// State is a deployment state.
type State string

const (
	StateStaged     State = "staged"
	StateValidated  State = "validated"
	StateSwapped    State = "swapped"
	StateReloaded   State = "reloaded"
	StateRejected   State = "rejected"
	StateRolledBack State = "rolled_back"
)

// Terminal reports whether s ends a deployment.
func (s State) Terminal() bool {
	return s == StateReloaded || s == StateRejected || s == StateRolledBack
}

// Validator checks a staged rule file.
type Validator interface {
	Validate(ctx context.Context, path string) error
}

// Reloader tells the detection engine to re-read its rules.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Result is the outcome of one deployment.
type Result struct {
	State      State                `json:"state"`
	Rule       *types.GeneratedRule `json:"rule,omitempty"`
	Diagnostic string               `json:"diagnostic,omitempty"`
	BackupPath string               `json:"backup_path,omitempty"`
	Duration   time.Duration        `json:"duration"`
	Err        error                `json:"-"`
}

// OK reports whether the rule is live.
func (r *Result) OK() bool { return r.State == StateReloaded }

// Config configures a Deployer.
type Config struct {
	RulePath string
	// BackupCount is the number of compressed backups kept; 0 keeps all.
	BackupCount int
}

// Deployer is the single writer of the active rule file.
type Deployer struct {
	cfg       Config
	validator Validator
	reloader  Reloader
	log       *logrus.Logger
	now       func() time.Time

	mu sync.Mutex
}

// New creates a deployer. A nil validator falls back to SyntaxValidator.
func New(cfg Config, validator Validator, reloader Reloader, log *logrus.Logger) *Deployer {
	if validator == nil {
		validator = SyntaxValidator{}
	}
	return &Deployer{
		cfg:       cfg,
		validator: validator,
		reloader:  reloader,
		log:       log,
		now:       time.Now,
	}
}

// RulePath returns the active rule file path.
func (d *Deployer) RulePath() string { return d.cfg.RulePath }

// Deploy appends rule to the active rule file. Deployments are serialized.
func (d *Deployer) Deploy(ctx context.Context, rule *types.GeneratedRule) *Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := d.now()
	res := &Result{State: StateStaged, Rule: rule}
	defer func() {
		res.Duration = d.now().Sub(start)
		d.logResult(res)
	}()

	if rule == nil || rule.Text == "" {
		return d.reject(res, errors.New("empty rule"))
	}

	staged, err := d.stage(rule.Text)
	if err != nil {
		return d.reject(res, fmt.Errorf("stage: %w", err))
	}
	// After a successful swap the staged name no longer exists.
	defer os.Remove(staged)

	if err := ctx.Err(); err != nil {
		return d.reject(res, fmt.Errorf("canceled before validation: %w", err))
	}
	if err := d.validator.Validate(ctx, staged); err != nil {
		return d.reject(res, err)
	}
	res.State = StateValidated

	if err := ctx.Err(); err != nil {
		return d.reject(res, fmt.Errorf("canceled before swap: %w", err))
	}
	backup, err := d.backup()
	if err != nil {
		return d.reject(res, fmt.Errorf("backup: %w", err))
	}
	res.BackupPath = backup

	if err := d.swap(staged); err != nil {
		if backup != "" {
			os.Remove(backup)
		}
		res.BackupPath = ""
		return d.reject(res, fmt.Errorf("swap: %w", err))
	}
	res.State = StateSwapped

	reloadErr := ctx.Err()
	if reloadErr == nil && d.reloader != nil {
		reloadErr = d.reloader.Reload(ctx)
	}
	if reloadErr != nil {
		return d.rollback(res, reloadErr)
	}
	res.State = StateReloaded

	if backup != "" {
		archived, err := compress(backup)
		if err != nil {
			d.log.WithError(err).WithField("backup", backup).Warn("Failed to compress rule backup")
		} else {
			res.BackupPath = archived
		}
		if err := d.prune(); err != nil {
			d.log.WithError(err).Warn("Failed to prune rule backups")
		}
	}
	return res
}

func (d *Deployer) reject(res *Result, err error) *Result {
	res.State = StateRejected
	res.Err = err
	res.Diagnostic = err.Error()
	return res
}

// rollback restores the pre-swap rule file after a failed reload.
func (d *Deployer) rollback(res *Result, cause error) *Result {
	res.State = StateRolledBack
	res.Err = fmt.Errorf("reload: %w", cause)
	res.Diagnostic = res.Err.Error()

	var err error
	if res.BackupPath != "" {
		err = restore(res.BackupPath, d.cfg.RulePath)
		if err == nil {
			os.Remove(res.BackupPath)
			res.BackupPath = ""
		}
	} else {
		// There was no rule file before this deployment.
		err = os.Remove(d.cfg.RulePath)
	}
	if err != nil {
		d.log.WithError(err).WithField("rule_file", d.cfg.RulePath).Error("Failed to restore rule file after reload failure")
		res.Err = errors.Join(res.Err, fmt.Errorf("restore: %w", err))
		res.Diagnostic = res.Err.Error()
	}
	return res
}

// stage writes the active file plus text to a hidden file in the same
// directory so the later rename stays on one filesystem.
func (d *Deployer) stage(text string) (string, error) {
	dir, base := filepath.Split(d.cfg.RulePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "."+base+".staged-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := writeStaged(f, d.cfg.RulePath, text); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func writeStaged(f *os.File, active, text string) error {
	w := bufio.NewWriter(f)
	src, err := os.Open(active)
	switch {
	case err == nil:
		defer src.Close()
		n, err := io.Copy(w, src)
		if err != nil {
			return err
		}
		if n > 0 {
			last := make([]byte, 1)
			if _, err := src.ReadAt(last, n-1); err != nil {
				return err
			}
			if last[0] != '\n' {
				w.WriteByte('\n')
			}
		}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}
	if _, err := w.WriteString(text + "\n"); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// backup copies the active file to a timestamped sibling. It returns "" when
// there is no active file yet.
func (d *Deployer) backup() (string, error) {
	if _, err := os.Stat(d.cfg.RulePath); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	path := fmt.Sprintf("%s.backup.%s", d.cfg.RulePath, d.now().UTC().Format("20060102T150405.000000000"))
	if err := copyFile(d.cfg.RulePath, path); err != nil {
		return "", err
	}
	return path, nil
}

func (d *Deployer) swap(staged string) error {
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(d.cfg.RulePath); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := os.Chmod(staged, mode); err != nil {
		return err
	}
	return os.Rename(staged, d.cfg.RulePath)
}

func (d *Deployer) logResult(res *Result) {
	fields := logrus.Fields{
		"state":       res.State,
		"rule_file":   d.cfg.RulePath,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.Rule != nil {
		fields["sid"] = res.Rule.SID
	}
	entry := d.log.WithFields(fields)
	switch res.State {
	case StateReloaded:
		entry.Info("Rule deployed")
	case StateRolledBack:
		entry.WithField("diagnostic", res.Diagnostic).Error("Rule deployment rolled back")
	default:
		entry.WithField("diagnostic", res.Diagnostic).Warn("Rule deployment rejected")
	}
}

// restore atomically puts the backup back in place of dst.
func restore(backup, dst string) error {
	tmp := dst + ".restore"
	if err := copyFile(backup, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
