package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-stm/stm"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func smallConfig(engine, mode string) stressConfig {
	cfg := defaultStressConfig()
	cfg.Workload.Goroutines = 4
	cfg.Workload.Ops = 50
	cfg.Workload.Refs = 2
	cfg.Workload.Mode = mode
	cfg.Engine.Name = engine
	return cfg
}

func TestRunSTM(t *testing.T) {
	for _, mode := range []string{modePlain, modeCommute, modeRetry} {
		t.Run(mode, func(t *testing.T) {
			cfg := smallConfig(engineSTM, mode)
			require.NoError(t, cfg.validate())

			s := stm.New(context.Background(), append(cfg.stmOptions(), stm.WithLogger(quiet))...)
			defer s.Close()

			rep, err := runSTM(context.Background(), s, cfg, quiet)
			require.NoError(t, err)
			require.NoError(t, rep.check())
			assert.Equal(t, int64(200), rep.Total)
			require.NotNil(t, rep.Stats)
			assert.GreaterOrEqual(t, rep.Stats.Commits, uint64(200))
			assert.Contains(t, rep.String(), "engine=stm")
		})
	}
}

func TestRunAnacrolix(t *testing.T) {
	for _, mode := range []string{modePlain, modeRetry} {
		t.Run(mode, func(t *testing.T) {
			cfg := smallConfig(engineAnacrolix, mode)
			require.NoError(t, cfg.validate())

			rep, err := runAnacrolix(context.Background(), cfg, quiet)
			require.NoError(t, err)
			require.NoError(t, rep.check())
			assert.Nil(t, rep.Stats)
		})
	}
}

func TestRunSTM_Cancelled(t *testing.T) {
	cfg := smallConfig(engineSTM, modePlain)
	s := stm.New(context.Background(), append(cfg.stmOptions(), stm.WithLogger(quiet))...)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runSTM(ctx, s, cfg, quiet)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReportCheck(t *testing.T) {
	assert.NoError(t, report{Txs: 10, Total: 10}.check())
	assert.Error(t, report{Txs: 10, Total: 9}.check())
}
