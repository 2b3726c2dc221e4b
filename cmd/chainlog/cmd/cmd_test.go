package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karasz/chainlog"
)

// resetFlags restores every flag to its default so runs do not leak state.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append(args, "--log-level", "error"))
	err := rootCmd.Execute()
	return out.String(), err
}

// isolateEnv clears the variables the CLI reads.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"CHAINLOG_DIR", "CHAINLOG_BACKEND", "CHAINLOG_DSN", "CHAINLOG_FILE_LOCK", chainlog.DefaultSecretEnv} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chainlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestConfigPrecedence(t *testing.T) {
	fileDir := filepath.Join(t.TempDir(), "from-file")
	envDir := filepath.Join(t.TempDir(), "from-env")
	flagDir := filepath.Join(t.TempDir(), "from-flag")

	tests := []struct {
		name string
		env  string
		flag string
		want string
	}{
		{name: "config file", want: fileDir},
		{name: "env over file", env: envDir, want: envDir},
		{name: "flag over env", env: envDir, flag: flagDir, want: flagDir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			cfgPath := writeConfig(t, "dir: "+fileDir+"\n")
			if tt.env != "" {
				t.Setenv("CHAINLOG_DIR", tt.env)
			}
			args := []string{"append", "evt-" + strings.ReplaceAll(tt.name, " ", "-"), "--config", cfgPath}
			if tt.flag != "" {
				args = append(args, "--dir", tt.flag)
			}

			_, err := runCLI(t, args...)
			require.NoError(t, err)

			data, err := os.ReadFile(filepath.Join(tt.want, chainlog.DefaultLogFile))
			require.NoError(t, err)
			assert.Contains(t, string(data), "evt-"+strings.ReplaceAll(tt.name, " ", "-"))
		})
	}
}

func TestSQLiteDSNFollowsDirFlag(t *testing.T) {
	isolateEnv(t)
	fileDir := filepath.Join(t.TempDir(), "from-file")
	flagDir := filepath.Join(t.TempDir(), "from-flag")
	cfgPath := writeConfig(t, "dir: "+fileDir+"\nbackend: sqlite\n")

	_, err := runCLI(t, "append", "evt", "--config", cfgPath, "--dir", flagDir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(flagDir, chainlog.DefaultSQLiteFile))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(fileDir, chainlog.DefaultSQLiteFile))
	assert.True(t, os.IsNotExist(err), "database must not be created in the config file's dir")
}

func TestVerifyCommand(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()

	for _, ev := range []string{"login", "vote", "logout"} {
		_, err := runCLI(t, "append", ev, "--dir", dir, "--details", `{"party":2}`)
		require.NoError(t, err)
	}

	out, err := runCLI(t, "verify", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "valid (3 records)")

	path := filepath.Join(dir, chainlog.DefaultLogFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	lines[1] = strings.Replace(lines[1], `"party":2`, `"party":3`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))

	out, err = runCLI(t, "verify", "--dir", dir)
	assert.ErrorIs(t, err, errChainBroken)
	assert.Contains(t, out, "broken at record 1")
}

func TestExportThenVerifyInput(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	for _, ev := range []string{"a", "b"} {
		_, err := runCLI(t, "append", ev, "--dir", dir)
		require.NoError(t, err)
	}

	export := filepath.Join(t.TempDir(), "audit.pb")
	out, err := runCLI(t, "export", "--dir", dir, "--out", export)
	require.NoError(t, err)
	assert.Contains(t, out, "exported 2 records")

	out, err = runCLI(t, "verify", "--dir", dir, "--input", export)
	require.NoError(t, err)
	assert.Contains(t, out, "valid (2 records)")

	// Without the secret the export cannot be checked, and none is created.
	empty := t.TempDir()
	_, err = runCLI(t, "verify", "--dir", empty, "--input", export)
	assert.ErrorIs(t, err, chainlog.ErrNoSecret)
	_, statErr := os.Stat(filepath.Join(empty, chainlog.DefaultSecretFile))
	assert.True(t, os.IsNotExist(statErr))
}

func TestTailCommand(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	for _, ev := range []string{"a", "b", "c"} {
		_, err := runCLI(t, "append", ev, "--dir", dir)
		require.NoError(t, err)
	}

	out, err := runCLI(t, "tail", "--dir", dir, "-n", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	var rec chainlog.Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "c", rec.Event)
}

// blockingVerifier holds each Verify call until release is closed.
type blockingVerifier struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingVerifier) Verify() chainlog.VerifyResult {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return chainlog.VerifyResult{Valid: true, BrokenAt: -1}
}

func TestStartMonitor_StopWaitsForCheck(t *testing.T) {
	v := &blockingVerifier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	stop := startMonitor(context.Background(), v, time.Hour, log.NewStdLogger(&bytes.Buffer{}))

	select {
	case <-v.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not start a check")
	}

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a check was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(v.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the check finished")
	}
}
