package stm

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// TxStatus описывает жизненный цикл транзакции конечным автоматом:
// Active → Prepared → Committed | Aborted
type TxStatus uint32

const (
	TxActive TxStatus = iota
	TxPrepared
	TxCommitted
	TxAborted
)

func (s TxStatus) String() string {
	switch s {
	case TxActive:
		return "Active"
	case TxPrepared:
		return "Prepared"
	case TxCommitted:
		return "Committed"
	case TxAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

func (s TxStatus) terminal() bool { return s == TxCommitted || s == TxAborted }

// Tx — транзакция. Читает закоммиченные значения с проверкой версий,
// накапливает изменения в tranlocal и публикует их при Commit.
//
// Tx принадлежит одной горутине, как и в database/sql.
type Tx struct {
	id  uint64
	stm *STM
	cfg *TxConfig

	status atomic.Uint32 // TxStatus, атомик для чтения из Stats и тестов
	locals tranlocalSet

	// conflictSnapshot — значение ConflictCounter, при котором read set
	// последний раз был проверен.
	conflictSnapshot uint64

	attempt int
	failure error

	latch    *retryLatch
	deadline time.Time

	onCommit []func()
	onAbort  []func()

	logger *slog.Logger
}

func newTx(s *STM, cfg *TxConfig, capHint int) *Tx {
	tx := &Tx{
		id:     s.nextTxID.Add(1),
		stm:    s,
		cfg:    cfg,
		logger: s.logger,
	}
	tx.begin(1, capHint)
	return tx
}

// begin готовит транзакцию к очередной попытке.
func (tx *Tx) begin(attempt, capHint int) {
	tx.locals.reset(max(capHint, tx.cfg.SpeculativeCapacity))
	tx.attempt = attempt
	tx.failure = nil
	tx.onCommit = nil
	tx.onAbort = nil
	tx.conflictSnapshot = tx.stm.conflicts.Count()
	tx.status.Store(uint32(TxActive))
	tx.stm.stats.started.Add(1)
}

// ID возвращает идентификатор транзакции; он не меняется между попытками.
func (tx *Tx) ID() uint64 { return tx.id }

// Status возвращает текущее состояние.
func (tx *Tx) Status() TxStatus { return TxStatus(tx.status.Load()) }

// Attempt возвращает номер попытки, начиная с 1.
func (tx *Tx) Attempt() int { return tx.attempt }

// RemainingTimeout возвращает остаток бюджета ожидания в retry.
// ok == false, если таймаут не задан.
func (tx *Tx) RemainingTimeout() (remaining time.Duration, ok bool) {
	if tx.deadline.IsZero() {
		return 0, false
	}
	return max(time.Until(tx.deadline), 0), true
}

// OnCommit регистрирует функцию, выполняемую после успешного коммита
// этой попытки, когда все блокировки уже сняты.
func (tx *Tx) OnCommit(fn func()) { tx.onCommit = append(tx.onCommit, fn) }

// OnAbort регистрирует компенсирующую функцию для отката этой попытки.
func (tx *Tx) OnAbort(fn func()) { tx.onAbort = append(tx.onAbort, fn) }

func (tx *Tx) deadErr() error {
	if tx.failure != nil {
		return fmt.Errorf("%w: %w", ErrDeadTransaction, tx.failure)
	}
	return ErrDeadTransaction
}

// checkActive допускает только Active транзакцию. Новые открытия
// после Prepare запрещены: их уже некому провалидировать, поэтому
// такая попытка откатывает транзакцию.
func (tx *Tx) checkActive() error {
	switch s := tx.Status(); {
	case s == TxActive:
		return nil
	case s == TxPrepared:
		return tx.abortWith(ErrPreparedTransaction)
	default:
		return tx.deadErr()
	}
}

func (tx *Tx) checkWritable() error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if tx.cfg.Readonly {
		return tx.abortWith(ErrReadonlyTransaction)
	}
	return nil
}

// load читает ссылку по протоколу: версия, значение, прибытие, повторная
// версия. Несовпадение версий — откат прибытия и новая попытка.
func (tx *Tx) load(r *refCore, mode LockMode) (*tranlocal, error) {
	o := &r.orec
	for {
		version := o.Version()
		value := r.load()

		st := o.arriveAndLock(tx.stm.cfg.spinCount, mode)
		if st.failed() {
			return nil, tx.abortWith(fmt.Errorf("%w: ref %d is %s locked", ErrReadConflict, r.id, o.LockMode()))
		}

		if o.Version() != version {
			tl := tranlocal{ref: r, lockMode: mode, hasDepartObligation: !st.unregistered()}
			tl.releaseAfterFailure()
			continue
		}

		if st.unregistered() {
			tx.stm.stats.unregisteredArrivals.Add(1)
		}
		return &tranlocal{
			ref:                 r,
			value:               value,
			oldValue:            value,
			version:             version,
			lockMode:            mode,
			hasDepartObligation: !st.unregistered(),
			sawConflict:         st.conflict() && mode == LockExclusive,
		}, nil
	}
}

// checkConsistency перепроверяет read set, если с прошлой проверки
// какой-то писатель сигналил о конфликте.
func (tx *Tx) checkConsistency() error {
	count := tx.stm.conflicts.Count()
	if count == tx.conflictSnapshot {
		return nil
	}
	for _, tl := range tx.locals.entries {
		if tl.readable() && tl.ref.orec.Version() != tl.version {
			return tx.abortWith(fmt.Errorf("%w: ref %d changed since read", ErrReadConflict, tl.ref.id))
		}
	}
	tx.conflictSnapshot = count
	return nil
}

// openForRead возвращает tranlocal ссылки, загружая её при первом обращении.
func (tx *Tx) openForRead(r *refCore) (*tranlocal, error) {
	if tl := tx.locals.get(r); tl != nil {
		if tx.Status() == TxActive {
			if err := tx.materialize(tl); err != nil {
				return nil, err
			}
			if err := tx.ensureLock(tl, tx.cfg.ReadLockMode); err != nil {
				return nil, err
			}
		} else if err := tx.checkReadable(tl); err != nil {
			return nil, err
		}
		return tl, nil
	}

	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	tl, err := tx.load(r, tx.cfg.ReadLockMode)
	if err != nil {
		return nil, err
	}
	tx.locals.add(tl)
	if err := tx.checkConsistency(); err != nil {
		return nil, err
	}
	return tl, nil
}

// checkReadable разрешает повторное чтение уже загруженных ссылок
// в Prepared транзакции.
func (tx *Tx) checkReadable(tl *tranlocal) error {
	if s := tx.Status(); s.terminal() {
		return tx.deadErr()
	}
	if tl.isCommuting {
		return tx.abortWith(ErrPreparedTransaction)
	}
	return nil
}

// openForWrite открывает ссылку на запись. Блокировка берётся сразу,
// если это требует WriteLockMode, иначе откладывается до Prepare.
func (tx *Tx) openForWrite(r *refCore) (*tranlocal, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}

	tl := tx.locals.get(r)
	if tl == nil {
		var err error
		if tl, err = tx.load(r, max(tx.cfg.ReadLockMode, tx.cfg.WriteLockMode)); err != nil {
			return nil, err
		}
		tx.locals.add(tl)
		if err := tx.checkConsistency(); err != nil {
			return nil, err
		}
	} else if err := tx.materialize(tl); err != nil {
		return nil, err
	}

	if err := tx.ensureLock(tl, tx.cfg.WriteLockMode); err != nil {
		return nil, err
	}
	tl.isWrite = true
	return tl, nil
}

// openForConstruction регистрирует ссылку, созданную внутри транзакции.
// Её orec уже захвачен Exclusive, до коммита она никому не видна.
func (tx *Tx) openForConstruction(r *refCore, value any) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	tx.locals.add(&tranlocal{
		ref:                 r,
		value:               value,
		lockMode:            LockExclusive,
		hasDepartObligation: true,
		isWrite:             true,
		isConstructing:      true,
	})
	return nil
}

// commute откладывает fn до коммита, не читая текущее значение.
// Если ссылка уже загружена, fn применяется сразу.
func (tx *Tx) commute(r *refCore, fn func(any) any) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}

	tl := tx.locals.get(r)
	switch {
	case tl == nil:
		tx.locals.add(&tranlocal{
			ref:         r,
			isCommuting: true,
			commutes:    []func(any) any{fn},
		})
		return nil
	case tl.isCommuting:
		tl.commutes = append(tl.commutes, fn)
		return nil
	}

	tl, err := tx.openForWrite(r)
	if err != nil {
		return err
	}
	tl.value = fn(tl.value)
	return nil
}

// materialize загружает значение commuting tranlocal и применяет
// накопленные функции. Позиция в tranlocalSet не меняется.
func (tx *Tx) materialize(tl *tranlocal) error {
	if !tl.isCommuting {
		return nil
	}
	loaded, err := tx.load(tl.ref, tx.cfg.ReadLockMode)
	if err != nil {
		return err
	}

	tl.value = applyCommutes(loaded.value, tl.commutes)
	tl.oldValue = loaded.value
	tl.version = loaded.version
	tl.lockMode = loaded.lockMode
	tl.hasDepartObligation = loaded.hasDepartObligation
	tl.sawConflict = loaded.sawConflict
	tl.isCommuting = false
	tl.isWrite = true

	return tx.checkConsistency()
}

// ensureLock доводит блокировку tranlocal до mode. Версия после захвата
// должна совпадать с прочитанной, иначе держать блокировку бессмысленно.
func (tx *Tx) ensureLock(tl *tranlocal, mode LockMode) error {
	if tl.lockMode >= mode || tl.isConstructing {
		return nil
	}

	o := &tl.ref.orec
	spin := tx.stm.cfg.spinCount

	var st arriveStatus
	switch tl.lockMode {
	case LockNone:
		st = o.lockAfterArrive(spin, mode, tl.hasDepartObligation)
		if !st.failed() {
			tl.hasDepartObligation = !st.unregistered()
		}
	case LockRead:
		st = o.upgradeReadLock(spin, mode)
	default:
		if o.upgradeWriteLock() {
			st = arriveConflict
		}
	}

	if st.failed() {
		cause := ErrWriteConflict
		if mode == LockRead {
			cause = ErrReadConflict
		}
		return tx.abortWith(fmt.Errorf("%w: ref %d is %s locked", cause, tl.ref.id, o.LockMode()))
	}
	tl.lockMode = mode
	if st.conflict() && mode == LockExclusive {
		tl.sawConflict = true
	}

	if !tl.isCommuting && o.Version() != tl.version {
		return tx.abortWith(fmt.Errorf("%w: ref %d changed before lock", ErrWriteConflict, tl.ref.id))
	}
	return nil
}

// lock открывает ссылку на чтение и удерживает на ней mode до конца
// транзакции (Ensure, Privatize).
func (tx *Tx) lock(r *refCore, mode LockMode) error {
	if mode > LockRead && tx.cfg.Readonly {
		if err := tx.checkActive(); err != nil {
			return err
		}
		return tx.abortWith(ErrReadonlyTransaction)
	}
	tl, err := tx.openForRead(r)
	if err != nil {
		return err
	}
	if err := tx.checkActive(); err != nil {
		return err
	}
	return tx.ensureLock(tl, mode)
}
