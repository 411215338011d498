package stm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"go-stm/stm"
)

// TestRetry_WakesOnWrite: транзакция ждёт значения и просыпается только
// после коммита записи в прочитанную ссылку.
func TestRetry_WakesOnWrite(t *testing.T) {
	s := newTestSTM(t)
	ref := stm.NewIntRef(s, 0)

	got := make(chan int64, 1)
	go func() {
		v, err := stm.Execute(context.Background(), s.NewExecutor(), func(tx *stm.Tx) (int64, error) {
			v, err := ref.Get(tx)
			if err != nil {
				return 0, err
			}
			if v == 0 {
				return 0, tx.Retry()
			}
			return v, nil
		})
		if err != nil {
			t.Errorf("waiter failed: %v", err)
		}
		got <- v
	}()

	require.Eventually(t, func() bool { return s.Stats().RetryWaits > 0 }, time.Second, time.Millisecond)
	select {
	case <-got:
		t.Fatal("waiter returned before the write")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, s.Atomically(context.Background(), func(tx *stm.Tx) error {
		return ref.Set(tx, 7)
	}))

	select {
	case v := <-got:
		assert.Equal(t, int64(7), v)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by the commit")
	}
	assert.GreaterOrEqual(t, s.Stats().Wakeups, uint64(1))
}

func TestRetry_WakesOnAtomicWrite(t *testing.T) {
	s := newTestSTM(t)
	flag := stm.NewBoolRef(s, false)

	var g errgroup.Group
	g.Go(func() error {
		return s.Atomically(context.Background(), func(tx *stm.Tx) error {
			return flag.Await(tx, func(v bool) bool { return v })
		})
	})

	require.Eventually(t, func() bool { return s.Stats().RetryWaits > 0 }, time.Second, time.Millisecond)
	require.NoError(t, flag.AtomicSet(true))
	require.NoError(t, g.Wait())
}

// TestRetry_ManyWaitersOneWriter: каждый ожидающий просыпается ровно
// от той записи, которой ждал.
func TestRetry_ManyWaitersOneWriter(t *testing.T) {
	s := newTestSTM(t)
	ref := stm.NewIntRef(s, 0)

	var g errgroup.Group
	for i := range 10 {
		want := int64(i + 1)
		g.Go(func() error {
			return s.Atomically(context.Background(), func(tx *stm.Tx) error {
				return ref.Await(tx, func(v int64) bool { return v >= want })
			})
		})
	}

	for range 10 {
		require.NoError(t, s.Atomically(context.Background(), func(tx *stm.Tx) error {
			return ref.Increment(tx, 1)
		}))
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, g.Wait())
}

func TestRetry_NotPossibleWithoutReads(t *testing.T) {
	s := newTestSTM(t)
	ref := stm.NewIntRef(s, 0)

	err := s.Atomically(context.Background(), func(tx *stm.Tx) error {
		if err := ref.CommuteIncrement(tx, 1); err != nil {
			return err
		}
		return tx.Retry()
	})
	assert.ErrorIs(t, err, stm.ErrRetryNotPossible)
	assert.Equal(t, int64(0), ref.AtomicWeakGet())
}

func TestRetry_NotAllowed(t *testing.T) {
	s := newTestSTM(t)
	ref := stm.NewIntRef(s, 0)

	exec := s.NewExecutor(stm.WithBlockingAllowed(false))
	err := exec.Atomically(context.Background(), func(tx *stm.Tx) error {
		return ref.Await(tx, func(v int64) bool { return v > 0 })
	})
	assert.ErrorIs(t, err, stm.ErrRetryNotAllowed)
	assert.Equal(t, uint64(0), ref.Orec().Surplus())
}

func TestRetry_Timeout(t *testing.T) {
	s := newTestSTM(t)
	ref := stm.NewIntRef(s, 0)

	exec := s.NewExecutor(stm.WithTimeout(30 * time.Millisecond))
	start := time.Now()
	err := exec.Atomically(context.Background(), func(tx *stm.Tx) error {
		return ref.Await(tx, func(v int64) bool { return v > 0 })
	})
	assert.ErrorIs(t, err, stm.ErrRetryTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, uint64(0), ref.Orec().Surplus())
}

func TestRetry_Interrupted(t *testing.T) {
	s := newTestSTM(t)
	ref := stm.NewIntRef(s, 0)
	ctx, cancel := context.WithCancel(context.Background())

	exec := s.NewExecutor(stm.WithInterruptible(true))
	errc := make(chan error, 1)
	go func() {
		errc <- exec.Atomically(ctx, func(tx *stm.Tx) error {
			return ref.Await(tx, func(v int64) bool { return v > 0 })
		})
	}()

	require.Eventually(t, func() bool { return s.Stats().RetryWaits > 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, stm.ErrRetryInterrupted)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("wait was not interrupted")
	}
}

func TestRetry_CountsTowardsMaxRetries(t *testing.T) {
	s := newTestSTM(t)
	ref := stm.NewIntRef(s, 0)

	exec := s.NewExecutor(stm.WithMaxRetries(2))
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = ref.AtomicIncrementAndGet(1)
			time.Sleep(time.Millisecond)
		}
	}()

	err := exec.Atomically(context.Background(), func(tx *stm.Tx) error {
		return ref.Await(tx, func(v int64) bool { return v < 0 })
	})
	assert.ErrorIs(t, err, stm.ErrTooManyRetries)
	assert.ErrorIs(t, err, stm.ErrRetry)
}

func TestOrElse_FallsThroughRetryingBranch(t *testing.T) {
	s := newTestSTM(t)
	gate := stm.NewIntRef(s, 0)
	out := stm.NewRef(s, "")
	pending := stm.NewIntRef(s, 0)

	err := s.Atomically(context.Background(), stm.OrElse(
		func(tx *stm.Tx) error {
			if err := out.Set(tx, "first"); err != nil {
				return err
			}
			if err := pending.CommuteIncrement(tx, 1); err != nil {
				return err
			}
			return gate.Await(tx, func(v int64) bool { return v > 0 })
		},
		func(tx *stm.Tx) error {
			return out.Set(tx, out.AtomicWeakGet()+"second")
		},
	))
	require.NoError(t, err)
	assert.Equal(t, "second", out.AtomicWeakGet())
	assert.Equal(t, int64(0), pending.AtomicWeakGet(), "writes of the retrying branch are discarded")
	assert.Equal(t, uint64(0), pending.Version())
}

func TestOrElse_FirstBranchWins(t *testing.T) {
	s := newTestSTM(t)
	out := stm.NewRef(s, "")

	err := s.Atomically(context.Background(), stm.OrElse(
		func(tx *stm.Tx) error { return out.Set(tx, "first") },
		func(tx *stm.Tx) error { return out.Set(tx, "second") },
	))
	require.NoError(t, err)
	assert.Equal(t, "first", out.AtomicWeakGet())
}

func TestOrElse_KeepsWritesMadeBeforeBranches(t *testing.T) {
	s := newTestSTM(t)
	counter := stm.NewIntRef(s, 0)
	gate := stm.NewIntRef(s, 0)

	err := s.Atomically(context.Background(), func(tx *stm.Tx) error {
		if err := counter.Increment(tx, 1); err != nil {
			return err
		}
		if err := counter.CommuteIncrement(tx, 1); err != nil {
			return err
		}
		return stm.OrElse(
			func(tx *stm.Tx) error {
				if err := counter.Increment(tx, 100); err != nil {
					return err
				}
				return gate.Await(tx, func(v int64) bool { return v > 0 })
			},
			func(tx *stm.Tx) error { return nil },
		)(tx)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), counter.AtomicWeakGet())
}

// TestOrElse_AllBranchesRetry: ожидание идёт на чтениях всех веток.
func TestOrElse_AllBranchesRetry(t *testing.T) {
	s := newTestSTM(t)
	a := stm.NewIntRef(s, 0)
	b := stm.NewIntRef(s, 0)

	var g errgroup.Group
	var picked string
	g.Go(func() error {
		return s.Atomically(context.Background(), stm.OrElse(
			func(tx *stm.Tx) error {
				if err := a.Await(tx, func(v int64) bool { return v > 0 }); err != nil {
					return err
				}
				picked = "a"
				return nil
			},
			func(tx *stm.Tx) error {
				if err := b.Await(tx, func(v int64) bool { return v > 0 }); err != nil {
					return err
				}
				picked = "b"
				return nil
			},
		))
	})

	require.Eventually(t, func() bool { return s.Stats().RetryWaits > 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.AtomicSet(1))
	require.NoError(t, g.Wait())
	assert.Equal(t, "a", picked)
}
