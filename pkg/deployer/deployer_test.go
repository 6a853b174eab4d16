package deployer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

const existingRule = `alert tcp any any -> any 80 (msg:"ML_GENERATED web"; sid:2000000; rev:1;)`

type reloadFunc func(ctx context.Context) error

func (f reloadFunc) Reload(ctx context.Context) error { return f(ctx) }

func okReload(context.Context) error { return nil }

func rule(sid int) *types.GeneratedRule {
	return &types.GeneratedRule{
		SID:  sid,
		Text: fmt.Sprintf(`alert tcp 10.0.0.5 4444 -> 192.168.1.10 22 (msg:"ML_GENERATED test"; sid:%d; rev:1;)`, sid),
	}
}

func hashFile(t *testing.T, path string) [32]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return sha256.Sum256(data)
}

func setup(t *testing.T, initial string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ml_generated.rules")
	if initial != "" {
		require.NoError(t, os.WriteFile(path, []byte(initial), 0o644))
	}
	return path
}

func assertNoStaged(t *testing.T, path string) {
	t.Helper()
	staged, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".*.staged-*"))
	require.NoError(t, err)
	assert.Empty(t, staged, "staged files left behind")
}

func TestDeploy_Success(t *testing.T) {
	path := setup(t, existingRule+"\n")
	d := New(Config{RulePath: path, BackupCount: 5}, nil, reloadFunc(okReload), logrus.New())

	res := d.Deploy(context.Background(), rule(2000001))
	require.Equal(t, StateReloaded, res.State, res.Diagnostic)
	assert.True(t, res.OK())
	assert.True(t, res.State.Terminal())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, existingRule, lines[0])
	assert.Contains(t, lines[1], "sid:2000001;")

	require.True(t, strings.HasSuffix(res.BackupPath, ".zst"), res.BackupPath)
	var restored bytes.Buffer
	require.NoError(t, Decompress(res.BackupPath, &restored))
	assert.Equal(t, existingRule+"\n", restored.String())
	assertNoStaged(t, path)
}

func TestDeploy_MissingTrailingNewline(t *testing.T) {
	path := setup(t, existingRule)
	d := New(Config{RulePath: path}, nil, reloadFunc(okReload), logrus.New())

	res := d.Deploy(context.Background(), rule(2000001))
	require.Equal(t, StateReloaded, res.State, res.Diagnostic)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 2)
}

func TestDeploy_CreatesRuleFile(t *testing.T) {
	path := setup(t, "")
	d := New(Config{RulePath: path}, nil, reloadFunc(okReload), logrus.New())

	res := d.Deploy(context.Background(), rule(2000000))
	require.Equal(t, StateReloaded, res.State, res.Diagnostic)
	assert.Empty(t, res.BackupPath)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, rule(2000000).Text+"\n", string(data))
}

func TestDeploy_RejectedLeavesFileUntouched(t *testing.T) {
	tests := []struct {
		name string
		rule *types.GeneratedRule
	}{
		{"duplicate sid", rule(2000000)},
		{"malformed", &types.GeneratedRule{SID: 2000001, Text: "alert tcp nonsense"}},
		{"missing msg", &types.GeneratedRule{SID: 2000001, Text: "alert tcp any any -> any 22 (sid:2000001; rev:1;)"}},
		{"empty", &types.GeneratedRule{SID: 2000001}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := setup(t, existingRule+"\n")
			before := hashFile(t, path)
			reloads := 0
			d := New(Config{RulePath: path}, nil, reloadFunc(func(context.Context) error {
				reloads++
				return nil
			}), logrus.New())

			res := d.Deploy(context.Background(), tt.rule)
			assert.Equal(t, StateRejected, res.State)
			assert.NotEmpty(t, res.Diagnostic)
			assert.Equal(t, before, hashFile(t, path))
			assert.Zero(t, reloads)
			assertNoStaged(t, path)

			backups, err := d.Backups()
			require.NoError(t, err)
			assert.Empty(t, backups)
		})
	}
}

func TestDeploy_AcceptsHandWrittenRuleForms(t *testing.T) {
	existing := existingRule + "\n" +
		"# hand-maintained\n" +
		`block tcp any any -> any 23 (msg:"telnet"; sid:1000001; rev:1;)` + "\n" +
		`alert http (msg:"http service rule"; http_uri; content:"/admin"; sid:1000002; rev:1;)` + "\n" +
		`rewrite tcp any any <> any any (msg:"rewrite"; sid:1000003; rev:1;)` + "\n"
	path := setup(t, existing)
	d := New(Config{RulePath: path}, nil, reloadFunc(okReload), logrus.New())

	res := d.Deploy(context.Background(), rule(2000001))
	require.Equal(t, StateReloaded, res.State, res.Diagnostic)
}

func TestDeploy_ValidationErrorType(t *testing.T) {
	path := setup(t, existingRule+"\n")
	d := New(Config{RulePath: path}, nil, reloadFunc(okReload), logrus.New())

	res := d.Deploy(context.Background(), rule(2000000))
	var ve *ValidationError
	require.True(t, errors.As(res.Err, &ve), "got %v", res.Err)
	assert.Equal(t, 2, ve.Line)
	assert.Contains(t, ve.Reason, "duplicate sid 2000000")
}

func TestDeploy_ReloadFailureRollsBack(t *testing.T) {
	path := setup(t, existingRule+"\n")
	before := hashFile(t, path)
	d := New(Config{RulePath: path}, nil, reloadFunc(func(context.Context) error {
		return errors.New("snort not running")
	}), logrus.New())

	res := d.Deploy(context.Background(), rule(2000001))
	assert.Equal(t, StateRolledBack, res.State)
	assert.Contains(t, res.Diagnostic, "snort not running")
	assert.Equal(t, before, hashFile(t, path))
	assertNoStaged(t, path)

	leftovers, err := filepath.Glob(path + ".backup.*")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestDeploy_ReloadFailureWithoutPriorFile(t *testing.T) {
	path := setup(t, "")
	d := New(Config{RulePath: path}, nil, reloadFunc(func(context.Context) error {
		return errors.New("reload failed")
	}), logrus.New())

	res := d.Deploy(context.Background(), rule(2000000))
	assert.Equal(t, StateRolledBack, res.State)
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "rule file should not exist, got %v", err)
}

func TestDeploy_Canceled(t *testing.T) {
	path := setup(t, existingRule+"\n")
	before := hashFile(t, path)
	d := New(Config{RulePath: path}, nil, reloadFunc(okReload), logrus.New())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := d.Deploy(ctx, rule(2000001))
	assert.Equal(t, StateRejected, res.State)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, before, hashFile(t, path))
	assertNoStaged(t, path)
}

func TestDeploy_CanceledDuringReloadRollsBack(t *testing.T) {
	path := setup(t, existingRule+"\n")
	before := hashFile(t, path)
	ctx, cancel := context.WithCancel(context.Background())
	d := New(Config{RulePath: path}, nil, reloadFunc(func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}), logrus.New())

	res := d.Deploy(ctx, rule(2000001))
	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, before, hashFile(t, path))
}

func TestDeploy_PrunesBackups(t *testing.T) {
	path := setup(t, existingRule+"\n")
	d := New(Config{RulePath: path, BackupCount: 2}, nil, reloadFunc(okReload), logrus.New())
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	d.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 1; i <= 4; i++ {
		res := d.Deploy(context.Background(), rule(2000000+i))
		require.Equal(t, StateReloaded, res.State, res.Diagnostic)
	}
	backups, err := d.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)

	// The newest backup holds the file as it was before the fourth rule.
	var newest bytes.Buffer
	require.NoError(t, Decompress(backups[1], &newest))
	assert.Equal(t, 4, strings.Count(newest.String(), "\n"))
}

func TestDeploy_ConcurrentDeploysAreSerialized(t *testing.T) {
	path := setup(t, existingRule+"\n")
	d := New(Config{RulePath: path}, nil, reloadFunc(okReload), logrus.New())

	const n = 20
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(sid int) {
			defer wg.Done()
			res := d.Deploy(context.Background(), rule(sid))
			assert.Equal(t, StateReloaded, res.State, res.Diagnostic)
		}(2000000 + i)
	}
	wg.Wait()

	require.NoError(t, SyntaxValidator{}.Validate(context.Background(), path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, n+1, strings.Count(string(data), "\n"))
}

func TestExecValidator(t *testing.T) {
	path := setup(t, existingRule+"\n")

	ok := ExecValidator{Command: []string{"grep", "-q", "sid:2000000", RulesPlaceholder}}
	assert.NoError(t, ok.Validate(context.Background(), path))

	bad := ExecValidator{Command: []string{"grep", "-q", "sid:9999999", RulesPlaceholder}}
	var ve *ValidationError
	assert.ErrorAs(t, bad.Validate(context.Background(), path), &ve)

	assert.Error(t, ExecValidator{}.Validate(context.Background(), path))
}

func TestChain(t *testing.T) {
	path := setup(t, existingRule+"\n")
	chain := Chain{SyntaxValidator{}, ExecValidator{Command: []string{"false"}}}
	assert.Error(t, chain.Validate(context.Background(), path))

	chain = Chain{SyntaxValidator{}, ExecValidator{Command: []string{"true"}}}
	assert.NoError(t, chain.Validate(context.Background(), path))
}

func TestCommandReloader(t *testing.T) {
	r := &CommandReloader{Commands: [][]string{{"false"}, {"true"}}, Log: logrus.New()}
	assert.NoError(t, r.Reload(context.Background()))

	r = &CommandReloader{Commands: [][]string{{"false"}, {"/nonexistent/reload"}}}
	err := r.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all reload methods failed")

	assert.Error(t, (&CommandReloader{}).Reload(context.Background()))
}

func TestCommandReloader_PIDFileReplacesCommands(t *testing.T) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "snort.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))
	marker := filepath.Join(dir, "command-ran")

	r := &CommandReloader{Commands: [][]string{{"touch", marker}}, PIDFile: pidFile, Log: logrus.New()}
	require.NoError(t, r.Reload(context.Background()))

	select {
	case <-hup:
	case <-time.After(5 * time.Second):
		t.Fatal("process in pid file was not signalled")
	}
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "reload commands must not run when a pid file is configured")
}

func TestCommandReloader_PIDFileFailureDoesNotFallBack(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "command-ran")
	r := &CommandReloader{
		Commands: [][]string{{"touch", marker}},
		PIDFile:  filepath.Join(dir, "missing.pid"),
	}
	err := r.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pid file")
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSignalPIDFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, SignalPIDFile(filepath.Join(dir, "missing.pid"), os.Interrupt))

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("not-a-pid\n"), 0o644))
	assert.Error(t, SignalPIDFile(bad, os.Interrupt))
}
