package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	astm "github.com/anacrolix/stm"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"go-stm/stm"
)

type report struct {
	Engine  string
	Mode    string
	Txs     int
	Elapsed time.Duration
	Total   int64
	Stats   *stm.Stats
}

func (r report) String() string {
	s := fmt.Sprintf("engine=%s mode=%s txs=%d elapsed=%s tx/s=%.0f total=%d",
		r.Engine, r.Mode, r.Txs, r.Elapsed.Round(time.Microsecond),
		float64(r.Txs)/r.Elapsed.Seconds(), r.Total)
	if r.Stats != nil {
		s += fmt.Sprintf("\ncommits=%d aborts=%d conflicts=%d retryWaits=%d wakeups=%d unregisteredArrivals=%d",
			r.Stats.Commits, r.Stats.Aborts, r.Stats.Conflicts,
			r.Stats.RetryWaits, r.Stats.Wakeups, r.Stats.UnregisteredArrivals)
	}
	return s
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// workers запускает по горутине на воркер, каждая выполняет ops шагов
// с ограничением частоты.
func workers(ctx context.Context, cfg workloadConfig, step func(ctx context.Context, worker, op int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := range cfg.Goroutines {
		limiter := newLimiter(cfg.Rate)
		g.Go(func() error {
			for op := range cfg.Ops {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				if err := step(ctx, w, op); err != nil {
					return fmt.Errorf("worker %d op %d: %w", w, op, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// runSTM нагружает движок go-stm. В режиме retry воркеры ходят по кругу:
// воркер w делает шаг, только когда turn % goroutines == w.
func runSTM(ctx context.Context, s *stm.STM, cfg stressConfig, logger *slog.Logger) (report, error) {
	wl := cfg.Workload
	refs := make([]*stm.IntRef, wl.Refs)
	for i := range refs {
		refs[i] = stm.NewIntRef(s, 0)
	}
	turn := stm.NewIntRef(s, 0)
	exec := s.NewExecutor()

	step := func(ctx context.Context, w, op int) error {
		ref := refs[(w+op)%len(refs)]
		return exec.Atomically(ctx, func(tx *stm.Tx) error {
			switch wl.Mode {
			case modeCommute:
				return ref.CommuteIncrement(tx, 1)
			case modeRetry:
				if err := turn.Await(tx, func(v int64) bool {
					return v%int64(wl.Goroutines) == int64(w)
				}); err != nil {
					return err
				}
				if err := turn.Increment(tx, 1); err != nil {
					return err
				}
				return ref.Increment(tx, 1)
			default:
				return ref.Increment(tx, 1)
			}
		})
	}

	logger.Info("Starting workload", "engine", engineSTM, "mode", wl.Mode,
		"goroutines", wl.Goroutines, "ops", wl.Ops, "refs", wl.Refs)
	start := time.Now()
	err := workers(ctx, wl, step)
	elapsed := time.Since(start)

	var total int64
	for _, r := range refs {
		total += r.AtomicWeakGet()
	}
	stats := s.Stats()
	return report{
		Engine:  engineSTM,
		Mode:    wl.Mode,
		Txs:     wl.Goroutines * wl.Ops,
		Elapsed: elapsed,
		Total:   total,
		Stats:   &stats,
	}, err
}

// runAnacrolix выполняет ту же нагрузку на github.com/anacrolix/stm для
// сравнения. Отмена контекста проверяется только между транзакциями.
func runAnacrolix(ctx context.Context, cfg stressConfig, logger *slog.Logger) (report, error) {
	wl := cfg.Workload
	vars := make([]*astm.Var, wl.Refs)
	for i := range vars {
		vars[i] = astm.NewVar(int64(0))
	}
	turn := astm.NewVar(int64(0))

	step := func(_ context.Context, w, op int) error {
		v := vars[(w+op)%len(vars)]
		astm.Atomically(astm.VoidOperation(func(tx *astm.Tx) {
			if wl.Mode == modeRetry {
				cur := tx.Get(turn).(int64)
				if cur%int64(wl.Goroutines) != int64(w) {
					tx.Retry()
				}
				tx.Set(turn, cur+1)
			}
			tx.Set(v, tx.Get(v).(int64)+1)
		}))
		return nil
	}

	logger.Info("Starting workload", "engine", engineAnacrolix, "mode", wl.Mode,
		"goroutines", wl.Goroutines, "ops", wl.Ops, "refs", wl.Refs)
	start := time.Now()
	err := workers(ctx, wl, step)
	elapsed := time.Since(start)

	var total int64
	for _, v := range vars {
		total += astm.AtomicGet(v).(int64)
	}
	return report{
		Engine:  engineAnacrolix,
		Mode:    wl.Mode,
		Txs:     wl.Goroutines * wl.Ops,
		Elapsed: elapsed,
		Total:   total,
	}, err
}

func (r report) check() error {
	if r.Total != int64(r.Txs) {
		return fmt.Errorf("lost updates: expected total %d, got %d", r.Txs, r.Total)
	}
	return nil
}
