package deployer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ValidationError is returned when a staged rule file is not acceptable.
type ValidationError struct {
	Path   string
	Line   int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("invalid rule file %s: line %d: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("invalid rule file %s: %s", e.Path, e.Reason)
}

var (
	// Classic rules carry the full header; service and file rules name only
	// the service, e.g. alert http (...).
	ruleRe = regexp.MustCompile(`^(alert|block|drop|log|pass|react|reject|rewrite|sdrop)\s+(\w+)(?:\s+(\S+)\s+(\S+)\s+(->|<>)\s+(\S+)\s+(\S+))?\s+\((.*)\)\s*$`)

	msgRe = regexp.MustCompile(`\bmsg\s*:\s*"[^"]*"\s*;`)

	sidOptRe = regexp.MustCompile(`\bsid\s*:\s*(\d+)\s*;`)
)

// SyntaxValidator performs the structural checks the engine would reject a
// file for: rule shape, a msg option and unique SIDs.
type SyntaxValidator struct{}

// Validate implements Validator.
func (SyntaxValidator) Validate(_ context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &ValidationError{Path: path, Reason: err.Error()}
	}
	defer f.Close()

	seen := make(map[int]int)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := ruleRe.FindStringSubmatch(line)
		if m == nil {
			return &ValidationError{Path: path, Line: n, Reason: "malformed rule"}
		}
		opts := m[8]
		if !msgRe.MatchString(opts) {
			return &ValidationError{Path: path, Line: n, Reason: "missing msg option"}
		}
		sm := sidOptRe.FindStringSubmatch(opts)
		if sm == nil {
			return &ValidationError{Path: path, Line: n, Reason: "missing sid option"}
		}
		sid, err := strconv.Atoi(sm[1])
		if err != nil {
			return &ValidationError{Path: path, Line: n, Reason: "bad sid"}
		}
		if prev, ok := seen[sid]; ok {
			return &ValidationError{Path: path, Line: n, Reason: fmt.Sprintf("duplicate sid %d (first on line %d)", sid, prev)}
		}
		seen[sid] = n
	}
	if err := sc.Err(); err != nil {
		return &ValidationError{Path: path, Reason: err.Error()}
	}
	return nil
}

// RulesPlaceholder in an ExecValidator argument is replaced by the staged
// file path.
const RulesPlaceholder = "{rules}"

// ExecValidator runs the detection engine's own test mode against the
// staged file, e.g. snort -T -c snort.lua -R {rules}.
type ExecValidator struct {
	Command []string
	Timeout time.Duration
	Log     *logrus.Logger
}

// Validate implements Validator.
func (v ExecValidator) Validate(ctx context.Context, path string) error {
	if len(v.Command) == 0 {
		return errors.New("empty validate command")
	}
	timeout := v.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]string, len(v.Command))
	for i, a := range v.Command {
		args[i] = strings.ReplaceAll(a, RulesPlaceholder, path)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		reason := strings.TrimSpace(tail(out.String(), 512))
		if reason == "" {
			reason = err.Error()
		}
		return &ValidationError{Path: path, Reason: reason}
	}
	if v.Log != nil {
		v.Log.WithField("command", args[0]).Debug("Rule file passed engine validation")
	}
	return nil
}

// Chain runs validators in order and stops at the first failure.
type Chain []Validator

// Validate implements Validator.
func (c Chain) Validate(ctx context.Context, path string) error {
	for _, v := range c {
		if err := v.Validate(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
