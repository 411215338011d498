package stm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"
	"sync/atomic"
	"time"
)

// Executor выполняет атомарные блоки с одной конфигурацией TxConfig.
// Безопасен для одновременного использования из нескольких горутин.
type Executor struct {
	stm *STM
	cfg TxConfig

	// sizeHint — наибольшее число ссылок, замеченное в транзакциях
	// этого исполнителя; им заранее размечаются следующие.
	sizeHint atomic.Int64
}

// NewExecutor создаёт исполнитель поверх настроек по умолчанию STM.
func (s *STM) NewExecutor(opts ...TxOption) *Executor {
	cfg := DefaultTxConfig()
	for _, o := range s.cfg.txDefaults {
		o(&cfg)
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Executor{stm: s, cfg: cfg}
}

// Config возвращает копию настроек исполнителя.
func (e *Executor) Config() TxConfig { return e.cfg }

// Atomically выполняет fn атомарно.
//
//   - конфликт: откат, экспоненциальная пауза с джиттером, повтор;
//   - ErrRetry: ожидание изменения прочитанных ссылок, повтор;
//   - любая другая ошибка fn: откат и возврат как есть.
//
// Отмена ctx проверяется между попытками.
func (e *Executor) Atomically(ctx context.Context, fn func(tx *Tx) error) error {
	tx := newTx(e.stm, &e.cfg, int(e.sizeHint.Load()))
	if e.cfg.Timeout > 0 {
		tx.deadline = time.Now().Add(e.cfg.Timeout)
	}

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			tx.begin(attempt, int(e.sizeHint.Load()))
		}

		err := e.run(tx, fn)
		if err == nil {
			e.learnSize(tx.locals.len())
			return nil
		}

		switch {
		case errors.Is(err, ErrRetry):
			era, orecs, rerr := tx.prepareRetry()
			if rerr != nil {
				return rerr
			}
			if werr := tx.awaitRetry(ctx, era, orecs); werr != nil {
				e.stm.logger.Warn("retry wait failed",
					"txID", tx.id,
					"attempt", attempt,
					"family", e.cfg.FamilyName,
					"error", werr,
				)
				return werr
			}
		case IsConflict(err):
			tx.Abort()
			if werr := e.backoff(ctx, attempt); werr != nil {
				return werr
			}
		default:
			tx.Abort()
			return err
		}

		if attempt >= e.cfg.MaxRetries {
			e.stm.stats.tooManyRetries.Add(1)
			e.stm.logger.Warn("too many retries",
				"txID", tx.id,
				"attempts", attempt,
				"family", e.cfg.FamilyName,
				"lastError", err,
			)
			return fmt.Errorf("%w: %d attempts: %w", ErrTooManyRetries, attempt, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// run выполняет одну попытку: тело и коммит. ErrRetry оставляет
// транзакцию активной, чтобы prepareRetry видел её read set.
// Паника в теле откатывает транзакцию и пробрасывается дальше.
func (e *Executor) run(tx *Tx, fn func(tx *Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			tx.Abort()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if errors.Is(err, ErrRetry) && tx.Status() == TxActive {
			return ErrRetry
		}
		return err
	}
	return tx.Commit()
}

// backoff спит экспоненциально растущую паузу со случайным джиттером
// в половину интервала. Нулевой BackoffMin — только уступка планировщику.
func (e *Executor) backoff(ctx context.Context, attempt int) error {
	if e.cfg.BackoffMin <= 0 {
		runtime.Gosched()
		return nil
	}

	d := e.cfg.BackoffMin << min(attempt-1, 30)
	if d <= 0 || d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	d = d/2 + rand.N(d/2+1)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) learnSize(n int) {
	for {
		cur := e.sizeHint.Load()
		if int64(n) <= cur || e.sizeHint.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

// Execute выполняет fn атомарно и возвращает её результат.
func Execute[T any](ctx context.Context, e *Executor, fn func(tx *Tx) (T, error)) (T, error) {
	var result T
	err := e.Atomically(ctx, func(tx *Tx) error {
		v, err := fn(tx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// OrElse комбинирует альтернативы: если ветка вызвала Retry, её записи
// откатываются и выполняется следующая. Прочитанное веткой остаётся в
// read set, поэтому Retry последней ветки ждёт изменения любой из них.
func OrElse(fns ...func(tx *Tx) error) func(tx *Tx) error {
	return func(tx *Tx) error {
		for i, fn := range fns {
			if i == len(fns)-1 {
				return fn(tx)
			}

			n := tx.locals.len()
			marks := make([]tranlocalMark, n)
			for j, tl := range tx.locals.entries {
				marks[j] = tl.mark()
			}
			hooks, undo := len(tx.onCommit), len(tx.onAbort)

			err := fn(tx)
			if !errors.Is(err, ErrRetry) || tx.Status() != TxActive {
				return err
			}

			for j, tl := range tx.locals.entries[:n] {
				tl.restore(marks[j])
			}
			tx.rollbackAdded(n)
			tx.onCommit = tx.onCommit[:hooks]
			tx.onAbort = tx.onAbort[:undo]
		}
		return tx.Retry()
	}
}

// rollbackAdded убирает commuting tranlocal, добавленные после позиции n,
// и снимает с записей ветки признак записи. Загруженные веткой ссылки
// остаются прочитанными.
func (tx *Tx) rollbackAdded(n int) {
	added := slices.Clone(tx.locals.entries[n:])
	tx.locals.truncate(n)
	for _, tl := range added {
		switch {
		case tl.isCommuting:
			continue
		case tl.isConstructing:
			tl.releaseAfterFailure()
			continue
		}
		tl.value = tl.oldValue
		tl.isWrite = false
		tl.commutes = nil
		tx.locals.add(tl)
	}
}
