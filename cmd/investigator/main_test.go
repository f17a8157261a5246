package main

import (
	"bytes"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateEnv clears configuration that would reach external services
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "GEMINI_API_KEY", "GOOGLE_SEARCH_API_KEY", "GOOGLE_SEARCH_CX"} {
		t.Setenv(key, "")
	}
	t.Setenv("INVESTIGATOR_RETRY_BASE", "10ms")
}

// resetFlags restores every flag to its default so commands can run repeatedly
func resetFlags() {
	reset := func(f *pflag.Flag) {
		if f.Value.Type() != "stringSlice" {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	rootCmd.PersistentFlags().VisitAll(reset)
	for _, cmd := range rootCmd.Commands() {
		cmd.Flags().VisitAll(reset)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunCommand_Offline(t *testing.T) {
	isolateEnv(t)

	output, err := execute(t, "run", "--offline", "--timeout", "30s",
		"--title", "Acme Corp", "--query", "Who owns Acme Corp?")
	require.NoError(t, err, output)

	assert.Contains(t, output, "status_update")
	assert.Contains(t, output, "INVESTIGATION STATUS")
	assert.Contains(t, output, "completed")
}

func TestRunCommand_RequiresAPIKey(t *testing.T) {
	isolateEnv(t)

	_, err := execute(t, "run", "--title", "Acme Corp", "--query", "Who owns Acme Corp?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}

func TestRunCommand_MissingFlags(t *testing.T) {
	isolateEnv(t)

	_, err := execute(t, "run", "--offline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestMigrateCommand_RequiresDatabase(t *testing.T) {
	isolateEnv(t)

	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestSweepCommand_RequiresDatabase(t *testing.T) {
	isolateEnv(t)

	_, err := execute(t, "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestInvalidConfigValue(t *testing.T) {
	isolateEnv(t)
	t.Setenv("INVESTIGATOR_DEPTH", "bottomless")

	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth")
}
