package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ductile-worker/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.API.Auth.APIKey = "key"
	cfg.Reclaim.Mode = config.ReclaimModeHTTP
	cfg.Reclaim.URL = "https://reclaimer.example.com/hook"
	cfg.Reclaim.Secret = "s3cret"
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	cfg.Domains.Git.Workdir = dir
	cfg.Domains.File.Root = dir
	cfg.Domains.Build.Workdir = dir
	return cfg
}

func allTools(string) (string, error) { return "/usr/bin/x", nil }

func noTools(string) (string, error) { return "", errors.New("not found") }

func fields(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Field)
	}
	return out
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t), WithLookPath(allTools)).Validate()
	assert.True(t, r.Valid, "errors: %v", r.Errors)
	assert.Empty(t, r.Warnings)
}

func TestValidate_UnknownScope(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.Tokens = []config.APIToken{{Token: "t", Scopes: []string{"tasks:rw", "jobs:ro", "*"}}}

	r := New(cfg, WithLookPath(allTools)).Validate()
	assert.False(t, r.Valid)
	assert.Equal(t, []string{"api.auth.tokens[0].scopes[1]"}, fields(r.Errors))
	assert.Contains(t, fields(r.Warnings), "api.auth.tokens[0].scopes[2]")
}

func TestValidate_Workdirs(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	cfg.Domains.File.Root = file
	cfg.Domains.Build.Workdir = filepath.Join(t.TempDir(), "missing")

	r := New(cfg, WithLookPath(allTools)).Validate()
	assert.False(t, r.Valid)
	assert.Equal(t, []string{"domains.file.root"}, fields(r.Errors))
	assert.Contains(t, fields(r.Warnings), "domains.build.workdir")
}

func TestValidate_MissingTools(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t), WithLookPath(noTools)).Validate()
	assert.True(t, r.Valid)
	assert.ElementsMatch(t,
		[]string{"domains.git.binary", "domains.build.allowed_tools[0]", "domains.build.allowed_tools[1]"},
		fields(r.Warnings))
}

func TestValidate_Reclaim(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.Reclaim.URL = "ftp://nope"
	r := New(cfg, WithLookPath(allTools)).Validate()
	assert.Equal(t, []string{"reclaim.url"}, fields(r.Errors))

	cfg = validConfig(t)
	cfg.Reclaim.Secret = ""
	r = New(cfg, WithLookPath(allTools)).Validate()
	assert.True(t, r.Valid)
	assert.Equal(t, []string{"reclaim.secret"}, fields(r.Warnings))

	cfg = validConfig(t)
	cfg.Reclaim.Mode = config.ReclaimModeLog
	r = New(cfg, WithLookPath(allTools)).Validate()
	assert.Equal(t, []string{"reclaim.mode"}, fields(r.Warnings))
}

func TestValidate_ExposedAPI(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.API.Listen = "0.0.0.0:8080"
	r := New(cfg, WithLookPath(allTools)).Validate()
	assert.Equal(t, []string{"api.listen"}, fields(r.Warnings))

	cfg.API.Listen = "localhost:8080"
	assert.Empty(t, New(cfg, WithLookPath(allTools)).Validate().Warnings)

	cfg.API.Listen = "8080"
	assert.Equal(t, []string{"api.listen"}, fields(New(cfg, WithLookPath(allTools)).Validate().Errors))
}

func TestValidate_ActivityWindow(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Activity.Period = time.Minute
	cfg.Activity.ReportInterval = time.Hour

	r := New(cfg, WithLookPath(allTools)).Validate()
	assert.True(t, r.Valid)
	assert.ElementsMatch(t, []string{"activity.period", "activity.report_interval"}, fields(r.Warnings))
}

func TestValidate_JournalDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Journal.Path = filepath.Join(t.TempDir(), "nested", "journal.db")

	r := New(cfg, WithLookPath(allTools)).Validate()
	assert.Equal(t, []string{"journal.path"}, fields(r.Warnings))

	cfg.Journal.Enabled = false
	assert.Empty(t, New(cfg, WithLookPath(allTools)).Validate().Warnings)
}
