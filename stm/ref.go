package stm

import (
	"reflect"
	"sync/atomic"
)

// refCore — нетипизированное ядро транзакционной ссылки: orec и
// закоммиченное значение. Значение меняется только под Exclusive.
type refCore struct {
	orec  Orec
	id    uint64
	stm   *STM
	value atomic.Pointer[valueBox]

	// equal == nil: значения несравнимы и всегда считаются изменёнными.
	equal func(a, b any) bool
}

type valueBox struct{ v any }

func (r *refCore) load() any {
	if b := r.value.Load(); b != nil {
		return b.v
	}
	return nil
}

func (r *refCore) store(v any) { r.value.Store(&valueBox{v: v}) }

func (r *refCore) equalValues(a, b any) bool {
	return r.equal != nil && r.equal(a, b)
}

// comparableEqual сравнивает через ==. Для типов с интерфейсными полями
// сравнение может паниковать, тогда значения считаются разными.
func comparableEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

func as[T any](v any) T {
	if v == nil {
		var zero T
		return zero
	}
	return v.(T)
}

// Ref — типизированная транзакционная ссылка.
type Ref[T any] struct {
	core *refCore
}

// RefOption — опция создания Ref.
type RefOption[T any] func(r *Ref[T])

// WithEquality задаёт сравнение значений для dirty check и commute.
// Нужна для несравнимых типов (срезы, map), иначе любая запись
// считается изменением.
func WithEquality[T any](eq func(a, b T) bool) RefOption[T] {
	return func(r *Ref[T]) {
		r.core.equal = func(a, b any) bool { return eq(as[T](a), as[T](b)) }
	}
}

func newRef[T any](s *STM, opts []RefOption[T]) *Ref[T] {
	core := &refCore{
		id:  s.nextRefID.Add(1),
		stm: s,
	}
	core.orec.threshold = s.cfg.readBiasedThreshold
	if reflect.TypeFor[T]().Comparable() {
		core.equal = comparableEqual
	}

	r := &Ref[T]{core: core}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewRef создаёт закоммиченную ссылку с начальным значением v и версией 0.
func NewRef[T any](s *STM, v T, opts ...RefOption[T]) *Ref[T] {
	r := newRef(s, opts)
	r.core.store(v)
	return r
}

// NewRefTx создаёт ссылку внутри транзакции. До коммита она захвачена
// Exclusive и недоступна другим; коммит публикует её с версией 1.
// После отката ссылка остаётся с нулевым значением.
func NewRefTx[T any](tx *Tx, v T, opts ...RefOption[T]) (*Ref[T], error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	r := newRef(tx.stm, opts)
	r.core.orec.initConstructing()
	if err := tx.openForConstruction(r.core, v); err != nil {
		return nil, err
	}
	return r, nil
}

// ID возвращает идентификатор ссылки, уникальный в пределах STM.
func (r *Ref[T]) ID() uint64 { return r.core.id }

// Orec даёт доступ к состоянию конкурентного управления ссылки.
func (r *Ref[T]) Orec() *Orec { return &r.core.orec }

// Version возвращает версию последнего закоммиченного значения.
func (r *Ref[T]) Version() uint64 { return r.core.orec.Version() }

// Get читает значение в транзакции.
func (r *Ref[T]) Get(tx *Tx) (T, error) {
	tl, err := tx.openForRead(r.core)
	if err != nil {
		var zero T
		return zero, err
	}
	return as[T](tl.value), nil
}

// Set записывает значение в транзакции.
func (r *Ref[T]) Set(tx *Tx, v T) error {
	tl, err := tx.openForWrite(r.core)
	if err != nil {
		return err
	}
	tl.value = v
	return nil
}

// GetAndSet записывает v и возвращает предыдущее значение.
func (r *Ref[T]) GetAndSet(tx *Tx, v T) (T, error) {
	tl, err := tx.openForWrite(r.core)
	if err != nil {
		var zero T
		return zero, err
	}
	old := as[T](tl.value)
	tl.value = v
	return old, nil
}

// Alter применяет fn к значению и возвращает результат.
func (r *Ref[T]) Alter(tx *Tx, fn func(T) T) (T, error) {
	tl, err := tx.openForWrite(r.core)
	if err != nil {
		var zero T
		return zero, err
	}
	v := fn(as[T](tl.value))
	tl.value = v
	return v, nil
}

// Commute откладывает fn до коммита. Параллельные commute одной ссылки
// не конфликтуют друг с другом в теле транзакции.
func (r *Ref[T]) Commute(tx *Tx, fn func(T) T) error {
	return tx.commute(r.core, func(v any) any { return fn(as[T](v)) })
}

// Await блокирует транзакцию через Retry, пока pred не станет истинным.
func (r *Ref[T]) Await(tx *Tx, pred func(T) bool) error {
	v, err := r.Get(tx)
	if err != nil {
		return err
	}
	if !pred(v) {
		return tx.Retry()
	}
	return nil
}

// Ensure удерживает Read блокировку до конца транзакции: ссылку никто
// не перезапишет, читатели не мешают.
func (r *Ref[T]) Ensure(tx *Tx) error {
	return tx.lock(r.core, LockRead)
}

// Privatize удерживает Exclusive блокировку до конца транзакции.
func (r *Ref[T]) Privatize(tx *Tx) error {
	return tx.lock(r.core, LockExclusive)
}

// AtomicWeakGet читает последнее опубликованное значение без участия
// в протоколе блокировок.
func (r *Ref[T]) AtomicWeakGet() T {
	return as[T](r.core.load())
}

// AtomicGet читает значение вне транзакции. Ссылка под Exclusive —
// ErrLocked после исчерпания spin.
func (r *Ref[T]) AtomicGet() (T, error) {
	v, err := r.core.atomicGet()
	return as[T](v), err
}

// AtomicSet записывает значение вне транзакции.
func (r *Ref[T]) AtomicSet(v T) error {
	_, err := r.core.atomicUpdate(func(any) (any, bool) { return v, true })
	return err
}

// AtomicGetAndSet записывает значение и возвращает предыдущее.
func (r *Ref[T]) AtomicGetAndSet(v T) (T, error) {
	old, err := r.core.atomicUpdate(func(any) (any, bool) { return v, true })
	return as[T](old), err
}

// AtomicCompareAndSet записывает update, если текущее значение равно
// expect. Несравнимые типы без WithEquality сравниваются reflect.DeepEqual.
func (r *Ref[T]) AtomicCompareAndSet(expect, update T) (bool, error) {
	swapped := false
	_, err := r.core.atomicUpdate(func(cur any) (any, bool) {
		var eq bool
		if r.core.equal != nil {
			eq = r.core.equal(cur, expect)
		} else {
			eq = reflect.DeepEqual(as[T](cur), expect)
		}
		swapped = eq
		return update, eq
	})
	return swapped && err == nil, err
}

func (r *refCore) atomicGet() (any, error) {
	o := &r.orec
	st := o.arrive(r.stm.cfg.spinCount)
	if st.failed() {
		r.stm.stats.lockedFailures.Add(1)
		return nil, ErrLocked
	}
	v := r.load()
	if !st.unregistered() {
		o.departAfterReading()
	}
	return v, nil
}

// atomicUpdate — минимальная транзакция на одну ссылку: Exclusive,
// fn, публикация. Занятая ссылка не ждётся дольше spin и даёт ErrLocked.
func (r *refCore) atomicUpdate(fn func(cur any) (next any, write bool)) (any, error) {
	o := &r.orec
	st := o.arriveAndLock(r.stm.cfg.spinCount, LockExclusive)
	if st.failed() {
		r.stm.stats.lockedFailures.Add(1)
		return nil, ErrLocked
	}

	cur := r.load()
	next, write := fn(cur)
	if !write || r.equalValues(cur, next) {
		if st.unregistered() {
			o.unlockByUnregistered()
		} else {
			o.departAfterReadingAndUnlock()
		}
		return cur, nil
	}

	if st.conflict() {
		r.stm.conflicts.SignalConflict()
	}
	r.store(next)
	o.departAfterUpdateAndUnlock()
	woken := openAll([]*listener{o.detachListeners()})
	if woken > 0 {
		r.stm.stats.wakeups.Add(uint64(woken))
	}
	r.stm.stats.atomicWrites.Add(1)
	return cur, nil
}

// IntRef — ссылка на int64 с операциями инкремента.
type IntRef struct {
	Ref[int64]
}

// NewIntRef создаёт закоммиченную IntRef.
func NewIntRef(s *STM, v int64) *IntRef {
	return &IntRef{Ref: *NewRef(s, v)}
}

// Increment прибавляет delta в транзакции.
func (r *IntRef) Increment(tx *Tx, delta int64) error {
	_, err := r.IncrementAndGet(tx, delta)
	return err
}

// IncrementAndGet прибавляет delta и возвращает новое значение.
func (r *IntRef) IncrementAndGet(tx *Tx, delta int64) (int64, error) {
	return r.Alter(tx, func(v int64) int64 { return v + delta })
}

// CommuteIncrement — слепой инкремент, вычисляемый при коммите.
func (r *IntRef) CommuteIncrement(tx *Tx, delta int64) error {
	return r.Commute(tx, func(v int64) int64 { return v + delta })
}

// AtomicIncrementAndGet прибавляет delta вне транзакции.
func (r *IntRef) AtomicIncrementAndGet(delta int64) (int64, error) {
	old, err := r.AtomicGetAndIncrement(delta)
	if err != nil {
		return 0, err
	}
	return old + delta, nil
}

// AtomicGetAndIncrement прибавляет delta и возвращает прежнее значение.
func (r *IntRef) AtomicGetAndIncrement(delta int64) (int64, error) {
	old, err := r.core.atomicUpdate(func(cur any) (any, bool) {
		return as[int64](cur) + delta, true
	})
	return as[int64](old), err
}

// BoolRef — ссылка на bool.
type BoolRef struct {
	Ref[bool]
}

// NewBoolRef создаёт закоммиченную BoolRef.
func NewBoolRef(s *STM, v bool) *BoolRef {
	return &BoolRef{Ref: *NewRef(s, v)}
}

// Toggle инвертирует значение и возвращает новое.
func (r *BoolRef) Toggle(tx *Tx) (bool, error) {
	return r.Alter(tx, func(v bool) bool { return !v })
}
