package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/urfave/cli.v1"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "stress.toml")
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))
	return file
}

func TestLoadConfig(t *testing.T) {
	file := writeConfig(t, `
[Workload]
Goroutines = 3
Mode = "retry"
Rate = 50.5

[Engine]
Timeout = "250ms"
ReadBiasedThreshold = 0
`)

	cfg := defaultStressConfig()
	require.NoError(t, loadConfig(file, &cfg))

	assert.Equal(t, 3, cfg.Workload.Goroutines)
	assert.Equal(t, modeRetry, cfg.Workload.Mode)
	assert.Equal(t, 50.5, cfg.Workload.Rate)
	assert.Equal(t, 0, cfg.Engine.ReadBiasedThreshold)
	// незаданные ключи сохраняют значения по умолчанию
	assert.Equal(t, 1000, cfg.Workload.Ops)
	assert.Equal(t, engineSTM, cfg.Engine.Name)

	d, err := cfg.timeout()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestLoadConfig_UnknownField(t *testing.T) {
	file := writeConfig(t, `
[Workload]
Threads = 3
`)
	cfg := defaultStressConfig()
	err := loadConfig(file, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Threads")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *stressConfig)
		ok     bool
	}{
		{"defaults", func(c *stressConfig) {}, true},
		{"no workers", func(c *stressConfig) { c.Workload.Goroutines = 0 }, false},
		{"no refs", func(c *stressConfig) { c.Workload.Refs = 0 }, false},
		{"unknown mode", func(c *stressConfig) { c.Workload.Mode = "swap" }, false},
		{"unknown engine", func(c *stressConfig) { c.Engine.Name = "tl2" }, false},
		{"anacrolix commute", func(c *stressConfig) {
			c.Engine.Name = engineAnacrolix
			c.Workload.Mode = modeCommute
		}, false},
		{"anacrolix retry", func(c *stressConfig) {
			c.Engine.Name = engineAnacrolix
			c.Workload.Mode = modeRetry
		}, true},
		{"bad timeout", func(c *stressConfig) { c.Engine.Timeout = "soon" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultStressConfig()
			tt.modify(&cfg)
			err := cfg.validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// TestMakeConfig_FlagsOverrideFile: флаги имеют приоритет над файлом.
func TestMakeConfig_FlagsOverrideFile(t *testing.T) {
	file := writeConfig(t, `
[Workload]
Goroutines = 3
Ops = 10
`)

	var got stressConfig
	a := cli.NewApp()
	a.Flags = stressFlags
	a.Action = func(ctx *cli.Context) error {
		var err error
		got, err = makeConfig(ctx)
		return err
	}
	require.NoError(t, a.Run([]string{"stmstress", "--config", file, "--ops", "20", "--engine", "anacrolix"}))

	assert.Equal(t, 3, got.Workload.Goroutines)
	assert.Equal(t, 20, got.Workload.Ops)
	assert.Equal(t, engineAnacrolix, got.Engine.Name)
}
