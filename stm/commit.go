package stm

import (
	"context"
	"fmt"
	"log/slog"
)

// Prepare захватывает блокировки на изменённые и commuting ссылки и
// валидирует read set. После успешного Prepare коммит не может упасть
// с конфликтом. Любая ошибка откатывает транзакцию.
func (tx *Tx) Prepare() error {
	switch s := tx.Status(); {
	case s == TxPrepared:
		return nil
	case s.terminal():
		return tx.deadErr()
	}

	spin := tx.stm.cfg.spinCount
	mode := tx.cfg.commitLockMode()

	// Шаг 1: блокировки на запись.
	for _, tl := range tx.locals.entries {
		switch {
		case tl.isConstructing:
		case tl.isCommuting:
			if tl.lockMode != LockNone {
				continue
			}
			st := tl.ref.orec.arriveAndLock(spin, mode)
			if st.failed() {
				return tx.abortWith(fmt.Errorf("%w: commuting ref %d is %s locked", ErrWriteConflict, tl.ref.id, tl.ref.orec.LockMode()))
			}
			tl.lockMode = mode
			tl.hasDepartObligation = !st.unregistered()
			tl.sawConflict = st.conflict() && mode == LockExclusive
		case tl.isWrite:
			if tx.cfg.DirtyCheck && !tl.dirty() {
				continue
			}
			if err := tx.ensureLock(tl, mode); err != nil {
				return err
			}
		}
	}

	// Шаг 2: валидация чтений. Чужая Write/Exclusive блокировка на
	// ссылке, которую мы только читали, означает, что её вот-вот
	// перезапишут: коммит поверх неё дал бы write skew.
	for _, tl := range tx.locals.entries {
		if !tl.readable() {
			continue
		}
		o := &tl.ref.orec
		if o.Version() != tl.version {
			return tx.abortWith(fmt.Errorf("%w: ref %d changed since read", ErrReadConflict, tl.ref.id))
		}
		if tl.lockMode == LockNone {
			if m := o.LockMode(); m == LockWrite || m == LockExclusive {
				return tx.abortWith(fmt.Errorf("%w: ref %d is %s locked by a writer", ErrReadConflict, tl.ref.id, m))
			}
		}
	}

	if !tx.status.CompareAndSwap(uint32(TxActive), uint32(TxPrepared)) {
		return tx.deadErr()
	}
	return nil
}

// willPublish — будет ли у tranlocal новое значение после коммита.
func (tx *Tx) willPublish(tl *tranlocal) bool {
	switch {
	case tl.isConstructing, tl.isCommuting:
		return true
	case tl.isWrite:
		return !tx.cfg.DirtyCheck || tl.dirty()
	default:
		return false
	}
}

// Commit публикует изменения транзакции.
//
// Порядок:
//  1. Prepare, если ещё не выполнен.
//  2. Write → Exclusive для всего, что будет опубликовано.
//  3. Сигнал ConflictCounter до публикации: читатель, увидевший новое
//     значение, обязан увидеть и новый счётчик.
//  4. Вычисление commute; результат, равный текущему значению, не пишется.
//  5. Публикация с увеличением версии, снятие остальных блокировок.
//  6. Пробуждение слушателей вне любых блокировок.
func (tx *Tx) Commit() error {
	switch s := tx.Status(); {
	case s == TxActive:
		if err := tx.Prepare(); err != nil {
			return err
		}
	case s.terminal():
		return tx.deadErr()
	}

	conflict := false
	for _, tl := range tx.locals.entries {
		if !tx.willPublish(tl) {
			continue
		}
		if tl.lockMode == LockWrite {
			if tl.ref.orec.upgradeWriteLock() {
				conflict = true
			}
			tl.lockMode = LockExclusive
		}
		if tl.sawConflict {
			conflict = true
		}
	}
	if conflict {
		tx.stm.conflicts.SignalConflict()
	}

	// Commute вычисляются до первой публикации: паника в пользовательской
	// функции ещё оставляет транзакцию откатываемой.
	for _, tl := range tx.locals.entries {
		if !tl.isCommuting {
			continue
		}
		current := tl.ref.load()
		tl.value = applyCommutes(current, tl.commutes)
		tl.oldValue = current
		if tl.ref.equalValues(tl.value, current) {
			tl.isCommuting = false
		}
	}

	var chains []*listener
	published := 0
	for _, tl := range tx.locals.entries {
		if tx.willPublish(tl) {
			if head := tl.publish(); head != nil {
				chains = append(chains, head)
			}
			published++
			continue
		}
		tl.releaseAfterReading()
	}

	tx.status.Store(uint32(TxCommitted))
	tx.stm.stats.commits.Add(1)

	woken := openAll(chains)
	if woken > 0 {
		tx.stm.stats.wakeups.Add(uint64(woken))
	}

	if tx.logger.Enabled(context.Background(), slog.LevelDebug) {
		tx.logger.Debug("committed transaction",
			"txID", tx.id,
			"attempt", tx.attempt,
			"family", tx.cfg.FamilyName,
			"published", published,
			"woken", woken,
		)
	}

	for _, fn := range tx.onCommit {
		fn()
	}
	return nil
}

// Abort откатывает транзакцию. Безопасно вызывать несколько раз
// и после Commit (идемпотентна).
func (tx *Tx) Abort() {
	_ = tx.abortWith(nil)
}

// abortWith откатывает транзакцию с причиной cause и возвращает её.
// Для уже завершённой транзакции ничего не делает.
func (tx *Tx) abortWith(cause error) error {
	for {
		s := tx.Status()
		if s.terminal() {
			return cause
		}
		if tx.status.CompareAndSwap(uint32(s), uint32(TxAborted)) {
			break
		}
	}

	for _, tl := range tx.locals.entries {
		tl.releaseAfterFailure()
	}
	tx.failure = cause

	tx.stm.stats.aborts.Add(1)
	if IsConflict(cause) {
		tx.stm.stats.conflicts.Add(1)
	}

	if tx.logger.Enabled(context.Background(), slog.LevelDebug) {
		tx.logger.Debug("aborted transaction",
			"txID", tx.id,
			"attempt", tx.attempt,
			"family", tx.cfg.FamilyName,
			"cause", cause,
		)
	}

	for _, fn := range tx.onAbort {
		fn()
	}
	return cause
}
