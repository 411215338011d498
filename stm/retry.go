package stm

import (
	"context"
	"fmt"
)

// Retry сообщает, что предусловие транзакции пока не выполнено.
// Использование: return tx.Retry(). Исполнитель заблокируется до
// изменения любой из прочитанных ссылок и перезапустит тело.
func (tx *Tx) Retry() error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	return ErrRetry
}

// prepareRetry регистрирует транзакцию слушателем на всех прочитанных
// ссылках в порядке чтения и откатывает её. Возвращает era, которую
// нужно ждать, и orec, на которых остались слушатели.
func (tx *Tx) prepareRetry() (uint64, []*Orec, error) {
	if s := tx.Status(); s != TxActive {
		if s == TxPrepared {
			return 0, nil, tx.abortWith(ErrPreparedTransaction)
		}
		return 0, nil, tx.deadErr()
	}

	readable := 0
	for _, tl := range tx.locals.entries {
		if tl.readable() {
			readable++
		}
	}
	if readable == 0 {
		return 0, nil, tx.abortWith(ErrRetryNotPossible)
	}
	if !tx.cfg.BlockingAllowed {
		return 0, nil, tx.abortWith(ErrRetryNotAllowed)
	}

	if tx.latch == nil {
		tx.latch = newRetryLatch()
	}
	era := tx.latch.reset()

	orecs := make([]*Orec, 0, readable)
	for _, tl := range tx.locals.entries {
		if !tl.readable() {
			continue
		}
		o := &tl.ref.orec
		orecs = append(orecs, o)
		if !o.registerListener(tx.latch, era, tl.version) {
			// версия уже ушла: ждать нечего
			tx.latch.open(era)
			break
		}
	}

	_ = tx.abortWith(ErrRetry)
	tx.stm.stats.retryWaits.Add(1)
	return era, orecs, nil
}

// awaitRetry блокируется до пробуждения. Бюджет ожидания общий для всех
// попыток. Неудачное ожидание сдвигает era, чтобы чистка могла убрать
// оставленных слушателей.
func (tx *Tx) awaitRetry(ctx context.Context, era uint64, orecs []*Orec) error {
	err := tx.latch.await(ctx, era, tx.deadline, tx.cfg.Interruptible)
	if err != nil {
		tx.latch.reset()
		err = fmt.Errorf("%w: txID %d, attempt %d", err, tx.id, tx.attempt)
	}
	tx.stm.markStale(orecs)
	return err
}
