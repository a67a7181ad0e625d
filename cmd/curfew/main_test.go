package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/curfew/internal/config"
	"github.com/yairfalse/curfew/internal/governor"
	"github.com/yairfalse/curfew/internal/ledger"
	"github.com/yairfalse/curfew/internal/override"
	"github.com/yairfalse/curfew/internal/store"
)

var now = time.Date(2026, 3, 4, 18, 0, 0, 0, time.UTC)

func TestApplyEnv(t *testing.T) {
	t.Setenv("CURFEW_SLACK_TOKEN", "xoxb-env")
	t.Setenv("CURFEW_SLACK_SIGNING_SECRET", "env-secret")

	c := config.Default()
	c.Slack.Token = "xoxb-file"
	c.Store.DSN = "file-dsn"
	applyEnv(c)

	assert.Equal(t, "xoxb-env", c.Slack.Token)
	assert.Equal(t, "env-secret", c.Slack.SigningSecret)
	assert.Equal(t, "file-dsn", c.Store.DSN, "unset variables leave the file value")
}

func TestLoadConfig_MissingDefaultFileUsesDefaults(t *testing.T) {
	cfgFile = filepath.Join(t.TempDir(), defaultConfigFile)
	t.Cleanup(func() { cfgFile = defaultConfigFile })

	cmd := &cobra.Command{}
	cmd.Flags().String("config", defaultConfigFile, "")

	require.NoError(t, loadConfig(cmd, nil))
	assert.Equal(t, config.Default().Governor.TimeLimit, cfg.Governor.TimeLimit)
}

func TestLoadConfig_MissingExplicitFileFails(t *testing.T) {
	cfgFile = filepath.Join(t.TempDir(), "nope.toml")
	t.Cleanup(func() { cfgFile = defaultConfigFile })

	cmd := &cobra.Command{}
	cmd.Flags().String("config", defaultConfigFile, "")
	require.NoError(t, cmd.Flags().Set("config", cfgFile))

	assert.Error(t, loadConfig(cmd, nil))
}

func TestPrintPassResult(t *testing.T) {
	var buf bytes.Buffer
	printPassResult(&buf, governor.PassResult{PassID: "p-1", Listed: 4, Struck: 2, DryRun: true})

	out := buf.String()
	assert.Contains(t, out, "Pass p-1 (dry-run)")
	assert.Contains(t, strings.ToUpper(out), "TERMINATED")
}

func TestPrintWarnings(t *testing.T) {
	var buf bytes.Buffer
	printWarnings(&buf, nil, now)
	assert.Contains(t, buf.String(), "No instances under warning")

	buf.Reset()
	rec := ledger.NewWarning("i-123", "build-box", now.Add(-11*time.Hour), now)
	printWarnings(&buf, []ledger.WarningRecord{rec}, now)
	assert.Contains(t, buf.String(), "i-123")
	assert.Contains(t, buf.String(), "build-box")
}

func useBoltConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "curfew.db")
	c := config.Default()
	c.Store = config.StoreConfig{Backend: "bolt", Path: path}
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	return path
}

func seed(t *testing.T, path string, rec ledger.WarningRecord) {
	t.Helper()
	st, err := store.NewBoltStore(path)
	require.NoError(t, err)
	_, err = st.Mutate(context.Background(), rec.ResourceID, func(*ledger.WarningRecord) (ledger.Mutation, error) {
		return ledger.Put(rec), nil
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestOverrideCommand_Silence(t *testing.T) {
	path := useBoltConfig(t)
	seed(t, path, ledger.NewWarning("i-123", "build-box", now.Add(-11*time.Hour), now))

	cmd := newOverrideCmd(override.Silence, "")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"i-123"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "Applied silence to i-123")

	st, err := store.NewBoltStore(path)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	rec, err := st.Get(context.Background(), "i-123")
	require.NoError(t, err)
	assert.True(t, rec.Silenced)
}

func TestOverrideCommand_Absent(t *testing.T) {
	useBoltConfig(t)

	cmd := newOverrideCmd(override.Postpone, "")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"i-missing"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "No warning recorded for i-missing")
}

func TestWarningsGet_NotFound(t *testing.T) {
	useBoltConfig(t)

	warningsGetCmd.SetContext(context.Background())
	err := warningsGetCmd.RunE(warningsGetCmd, []string{"i-missing"})
	assert.EqualError(t, err, "instance not found: i-missing")
}
