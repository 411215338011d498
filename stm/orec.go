package stm

import (
	"runtime"
	"sync/atomic"
)

// LockMode — режим блокировки ссылки. Порядок значений важен:
// более сильный режим больше по значению.
type LockMode uint8

const (
	LockNone LockMode = iota
	LockRead
	LockWrite
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "None"
	case LockRead:
		return "Read"
	case LockWrite:
		return "Write"
	case LockExclusive:
		return "Exclusive"
	default:
		return "Unknown"
	}
}

// lockCompatible — таблица совместимости: held удерживает другая
// транзакция, requested запрашиваем мы.
//
//	held \ req  None Read Write Excl
//	None         +    +    +     +
//	Read         +    +    -     -
//	Write        +    -    -     -
//	Exclusive    -    -    -     -
func lockCompatible(held, requested LockMode) bool {
	switch held {
	case LockNone:
		return true
	case LockRead:
		return requested <= LockRead
	case LockWrite:
		return requested == LockNone
	default:
		return false
	}
}

// Упакованное состояние orec. Все переходы lock mode / surplus / bias
// выполняются одним CAS по этому слову.
//
//	bits 0-1   lock mode
//	bit  2     read biased
//	bits 3-23  read lock count
//	bits 24-45 surplus
//	bits 46-55 readonly count
const (
	lockModeMask = 0x3

	readBiasedBit = 1 << 2

	readLockShift = 3
	readLockBits  = 21
	readLockMax   = 1<<readLockBits - 1

	surplusShift = 24
	surplusBits  = 22
	surplusMax   = 1<<surplusBits - 1

	readonlyShift = 46
	readonlyBits  = 10

	// MaxReadBiasedThreshold — предел порога перехода в read-biased режим
	// (ширина поля readonly count).
	MaxReadBiasedThreshold = 1<<readonlyBits - 1
)

type orecState uint64

func (s orecState) lockMode() LockMode { return LockMode(s & lockModeMask) }

func (s orecState) withLockMode(m LockMode) orecState {
	return s&^lockModeMask | orecState(m)
}

func (s orecState) readBiased() bool { return s&readBiasedBit != 0 }

func (s orecState) withReadBiased(b bool) orecState {
	if b {
		return s | readBiasedBit
	}
	return s &^ readBiasedBit
}

func (s orecState) readLocks() uint64 { return uint64(s>>readLockShift) & readLockMax }

func (s orecState) withReadLocks(n uint64) orecState {
	if n > readLockMax {
		panic(newPanicError("read lock count overflow"))
	}
	return s&^(readLockMax<<readLockShift) | orecState(n<<readLockShift)
}

func (s orecState) surplus() uint64 { return uint64(s>>surplusShift) & surplusMax }

func (s orecState) withSurplus(n uint64) orecState {
	if n > surplusMax {
		panic(newPanicError("surplus overflow"))
	}
	return s&^(surplusMax<<surplusShift) | orecState(n<<surplusShift)
}

func (s orecState) readonly() uint64 {
	return uint64(s>>readonlyShift) & MaxReadBiasedThreshold
}

func (s orecState) withReadonly(n uint64) orecState {
	return s&^(MaxReadBiasedThreshold<<readonlyShift) | orecState(n<<readonlyShift)
}

// arriveStatus — битовый результат arrive/lock операций.
type arriveStatus uint8

const (
	arriveNormal arriveStatus = 0

	// arriveUnregistered: surplus не увеличен, depart не нужен.
	arriveUnregistered arriveStatus = 1 << (iota - 1)
	// arriveConflict: рядом есть другие участники (писатель с Write
	// или читатели при захвате Exclusive).
	arriveConflict
	// arriveLockNotFree: нужная блокировка занята, состояние не изменено.
	arriveLockNotFree
)

func (s arriveStatus) failed() bool       { return s&arriveLockNotFree != 0 }
func (s arriveStatus) unregistered() bool { return s&arriveUnregistered != 0 }
func (s arriveStatus) conflict() bool     { return s&arriveConflict != 0 }

// Orec (ownership record) — заголовок конкурентного управления каждой
// транзакционной ссылки: упакованное состояние, версия и слот слушателей.
//
// Инварианты:
//   - surplus >= readLocks
//   - lock mode != None => surplus >= 1
//   - read bias снимается только закоммиченной записью
//   - version увеличивается ровно на 1 на каждую закоммиченную запись
type Orec struct {
	state     atomic.Uint64
	version   atomic.Uint64
	listeners atomic.Pointer[listener]

	// threshold — число подряд идущих read-only циклов до перехода
	// в read-biased режим; 0 отключает переход.
	threshold uint64
}

func (o *Orec) load() orecState { return orecState(o.state.Load()) }

// initConstructing переводит свежий orec в состояние "создаётся внутри
// транзакции": Exclusive с одной зарегистрированной прибывшей.
func (o *Orec) initConstructing() {
	o.state.Store(uint64(orecState(0).withLockMode(LockExclusive).withSurplus(1)))
}

func (o *Orec) cas(old, next orecState) bool {
	return o.state.CompareAndSwap(uint64(old), uint64(next))
}

// Version возвращает номер последней закоммиченной версии.
func (o *Orec) Version() uint64 { return o.version.Load() }

// LockMode возвращает текущий режим блокировки.
func (o *Orec) LockMode() LockMode { return o.load().lockMode() }

// Surplus возвращает число прибывших и ещё не ушедших транзакций.
func (o *Orec) Surplus() uint64 { return o.load().surplus() }

// ReadLockCount возвращает число держателей Read блокировки.
func (o *Orec) ReadLockCount() uint64 { return o.load().readLocks() }

// ReadonlyCount возвращает число read-only циклов с последней записи.
func (o *Orec) ReadonlyCount() uint64 { return o.load().readonly() }

// IsReadBiased сообщает, находится ли orec в read-biased режиме.
func (o *Orec) IsReadBiased() bool { return o.load().readBiased() }

func spinWait(spin *int) bool {
	if *spin <= 0 {
		return false
	}
	*spin--
	runtime.Gosched()
	return true
}

// arrive регистрирует интерес читателя к текущей версии.
// В read-biased режиме это no-op (кроме первой прибывшей транзакции,
// которая выставляет surplus в 1) и результат unregistered.
func (o *Orec) arrive(spin int) arriveStatus {
	for {
		s := o.load()
		if s.lockMode() == LockExclusive {
			if spinWait(&spin) {
				continue
			}
			return arriveLockNotFree
		}

		status := arriveNormal
		if s.lockMode() == LockWrite {
			status |= arriveConflict
		}

		if s.readBiased() {
			status |= arriveUnregistered
			if s.surplus() > 0 {
				return status
			}
			if o.cas(s, s.withSurplus(1)) {
				return status
			}
			continue
		}

		if o.cas(s, s.withSurplus(s.surplus()+1)) {
			return status
		}
	}
}

// arriveAndLock атомарно прибывает и захватывает mode.
// Read блокировки всегда регистрируются (surplus >= readLocks);
// Write/Exclusive на read-biased orec захватываются unregistered.
func (o *Orec) arriveAndLock(spin int, mode LockMode) arriveStatus {
	if mode == LockNone {
		return o.arrive(spin)
	}

	for {
		s := o.load()
		if !lockCompatible(s.lockMode(), mode) {
			if spinWait(&spin) {
				continue
			}
			return arriveLockNotFree
		}

		status := arriveNormal
		next := s
		if s.readBiased() && mode != LockRead {
			status |= arriveUnregistered
			if s.surplus() == 0 {
				next = next.withSurplus(1)
			}
		} else {
			next = next.withSurplus(s.surplus() + 1)
		}

		switch mode {
		case LockRead:
			next = next.withLockMode(LockRead).withReadLocks(s.readLocks() + 1)
		case LockExclusive:
			next = next.withLockMode(LockExclusive)
			if s.surplus() > 0 || s.readBiased() {
				status |= arriveConflict
			}
		default:
			next = next.withLockMode(mode)
		}

		if o.cas(s, next) {
			return status
		}
	}
}

// lockAfterArrive захватывает mode для уже прибывшей транзакции,
// не держащей блокировок. registered — есть ли у неё depart-обязательство.
// Unregistered участник регистрируется, если берёт Read или если orec
// успел выйти из read-biased режима; тогда результат без arriveUnregistered.
func (o *Orec) lockAfterArrive(spin int, mode LockMode, registered bool) arriveStatus {
	if mode == LockNone {
		return arriveNormal
	}

	for {
		s := o.load()
		if registered && s.surplus() == 0 {
			panic(newPanicError("lock after arrive without surplus"))
		}
		if !lockCompatible(s.lockMode(), mode) {
			if spinWait(&spin) {
				continue
			}
			return arriveLockNotFree
		}

		status := arriveNormal
		next := s.withLockMode(mode)
		others := s.surplus()
		switch {
		case registered:
			others--
		case mode == LockRead || !s.readBiased():
			next = next.withSurplus(s.surplus() + 1)
		default:
			status |= arriveUnregistered
			if s.surplus() == 0 {
				next = next.withSurplus(1)
			}
		}
		if mode == LockRead {
			next = next.withReadLocks(s.readLocks() + 1)
		}
		if mode == LockExclusive && (others > 0 || s.readBiased()) {
			status |= arriveConflict
		}

		if o.cas(s, next) {
			return status
		}
	}
}

// upgradeReadLock повышает Read до Write/Exclusive; возможно только
// для единственного держателя Read.
func (o *Orec) upgradeReadLock(spin int, mode LockMode) arriveStatus {
	for {
		s := o.load()
		if s.lockMode() != LockRead || s.readLocks() == 0 {
			panic(newPanicError("upgrade read lock while not read locked (mode %s)", s.lockMode()))
		}
		if s.readLocks() > 1 {
			if spinWait(&spin) {
				continue
			}
			return arriveLockNotFree
		}

		status := arriveNormal
		if mode == LockExclusive && (s.surplus() > 1 || s.readBiased()) {
			status |= arriveConflict
		}
		if o.cas(s, s.withReadLocks(0).withLockMode(mode)) {
			return status
		}
	}
}

// upgradeWriteLock повышает Write до Exclusive. Возвращает true, если
// рядом были другие прибывшие транзакции.
func (o *Orec) upgradeWriteLock() bool {
	for {
		s := o.load()
		if s.lockMode() != LockWrite {
			panic(newPanicError("upgrade write lock while %s locked", s.lockMode()))
		}
		if o.cas(s, s.withLockMode(LockExclusive)) {
			return s.surplus() > 1 || s.readBiased()
		}
	}
}

// afterReadonlyCycle продвигает счётчик read-only циклов и при
// достижении порога переводит orec в read-biased режим.
func (o *Orec) afterReadonlyCycle(next orecState) orecState {
	if next.readBiased() || o.threshold == 0 {
		return next
	}
	ro := next.readonly()
	if ro < o.threshold {
		ro++
	}
	if ro >= o.threshold && next.surplus() == 0 && next.lockMode() == LockNone {
		return next.withReadBiased(true).withReadonly(0)
	}
	return next.withReadonly(ro)
}

// departAfterReading снимает регистрацию читателя без блокировки.
func (o *Orec) departAfterReading() {
	for {
		s := o.load()
		if s.surplus() == 0 {
			panic(newPanicError("depart after reading without surplus"))
		}
		next := o.afterReadonlyCycle(s.withSurplus(s.surplus() - 1))
		if o.cas(s, next) {
			return
		}
	}
}

// releaseLock снимает блокировку вызывающего из состояния s.
func releaseLock(s orecState, op string) orecState {
	switch s.lockMode() {
	case LockRead:
		if s.readLocks() == 0 {
			panic(newPanicError("%s: read locked without holders", op))
		}
		n := s.readLocks() - 1
		s = s.withReadLocks(n)
		if n == 0 {
			s = s.withLockMode(LockNone)
		}
		return s
	case LockWrite, LockExclusive:
		return s.withLockMode(LockNone)
	default:
		panic(newPanicError("%s: not locked", op))
	}
}

// departAfterReadingAndUnlock снимает регистрацию и блокировку читателя.
func (o *Orec) departAfterReadingAndUnlock() {
	for {
		s := o.load()
		if s.surplus() == 0 {
			panic(newPanicError("depart after reading and unlock without surplus"))
		}
		next := releaseLock(s, "depart after reading and unlock")
		next = o.afterReadonlyCycle(next.withSurplus(s.surplus() - 1))
		if o.cas(s, next) {
			return
		}
	}
}

// departAfterUpdateAndUnlock — точка коммита записи: версия увеличивается
// до снятия блокировки, read bias сбрасывается.
func (o *Orec) departAfterUpdateAndUnlock() {
	s := o.load()
	if m := s.lockMode(); m != LockWrite && m != LockExclusive {
		panic(newPanicError("depart after update while %s locked", m))
	}
	if s.surplus() == 0 {
		panic(newPanicError("depart after update without surplus"))
	}

	o.version.Add(1)

	for {
		s = o.load()
		surplus := s.surplus()
		if s.readBiased() {
			surplus = 0
		} else {
			surplus--
		}
		next := s.withSurplus(surplus).
			withLockMode(LockNone).
			withReadBiased(false).
			withReadonly(0)
		if o.cas(s, next) {
			return
		}
	}
}

// departAfterFailure откатывает arrive без блокировки; версия и
// readonly count не меняются.
func (o *Orec) departAfterFailure() {
	for {
		s := o.load()
		if s.surplus() == 0 {
			panic(newPanicError("depart after failure without surplus"))
		}
		if o.cas(s, s.withSurplus(s.surplus()-1)) {
			return
		}
	}
}

// departAfterFailureAndUnlock откатывает arrive и блокировку.
func (o *Orec) departAfterFailureAndUnlock() {
	for {
		s := o.load()
		if s.surplus() == 0 {
			panic(newPanicError("depart after failure and unlock without surplus"))
		}
		next := releaseLock(s, "depart after failure and unlock").withSurplus(s.surplus() - 1)
		if o.cas(s, next) {
			return
		}
	}
}

// unlockByUnregistered снимает блокировку, взятую без увеличения surplus.
func (o *Orec) unlockByUnregistered() {
	for {
		s := o.load()
		next := releaseLock(s, "unlock by unregistered")
		if o.cas(s, next) {
			return
		}
	}
}
