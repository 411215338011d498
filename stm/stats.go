package stm

import "sync/atomic"

type stats struct {
	started              atomic.Uint64
	commits              atomic.Uint64
	aborts               atomic.Uint64
	conflicts            atomic.Uint64
	retryWaits           atomic.Uint64
	wakeups              atomic.Uint64
	tooManyRetries       atomic.Uint64
	unregisteredArrivals atomic.Uint64
	atomicWrites         atomic.Uint64
	lockedFailures       atomic.Uint64
	listenersPruned      atomic.Uint64
}

// Stats — снимок счётчиков экземпляра. Счётчики читаются по одному,
// поэтому снимок не атомарен целиком.
type Stats struct {
	// Started — начатые попытки транзакций.
	Started   uint64
	Commits   uint64
	Aborts    uint64
	Conflicts uint64

	RetryWaits uint64
	Wakeups    uint64

	TooManyRetries uint64

	// UnregisteredArrivals — прибытия на read-biased ссылки, не
	// изменившие surplus.
	UnregisteredArrivals uint64

	AtomicWrites   uint64
	LockedFailures uint64

	ListenersPruned uint64

	// ConflictSignals — значение ConflictCounter.
	ConflictSignals uint64
}

// Stats возвращает снимок счётчиков.
func (s *STM) Stats() Stats {
	return Stats{
		Started:              s.stats.started.Load(),
		Commits:              s.stats.commits.Load(),
		Aborts:               s.stats.aborts.Load(),
		Conflicts:            s.stats.conflicts.Load(),
		RetryWaits:           s.stats.retryWaits.Load(),
		Wakeups:              s.stats.wakeups.Load(),
		TooManyRetries:       s.stats.tooManyRetries.Load(),
		UnregisteredArrivals: s.stats.unregisteredArrivals.Load(),
		AtomicWrites:         s.stats.atomicWrites.Load(),
		LockedFailures:       s.stats.lockedFailures.Load(),
		ListenersPruned:      s.stats.listenersPruned.Load(),
		ConflictSignals:      s.conflicts.Count(),
	}
}
