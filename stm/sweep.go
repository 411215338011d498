package stm

import (
	"context"
	"time"
)

// runSweeper периодически убирает слушателей, которые больше никого
// не разбудят: их ожидание завершилось по таймауту, отмене или
// пробуждению через другую ссылку.
//
// Обычно цепочку забирает коммитящий писатель. Чистка нужна ссылкам,
// в которые долго никто не пишет: без неё цепочка растёт с каждым
// неудачным ожиданием.
func (s *STM) runSweeper(ctx context.Context, interval time.Duration) {
	defer close(s.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepListeners()
		}
	}
}

// markStale ставит orec в очередь на чистку.
func (s *STM) markStale(orecs []*Orec) {
	if len(orecs) == 0 {
		return
	}
	s.staleMu.Lock()
	for _, o := range orecs {
		s.stale[o] = struct{}{}
	}
	s.staleMu.Unlock()
}

// sweepListeners чистит накопленные orec и возвращает число убранных
// узлов. Orec, где CAS проиграл конкурентному push, остаётся в очереди.
func (s *STM) sweepListeners() int {
	s.staleMu.Lock()
	batch := s.stale
	s.stale = make(map[*Orec]struct{}, len(batch))
	s.staleMu.Unlock()

	pruned := 0
	var retry []*Orec
	for o := range batch {
		n, ok := o.pruneListeners()
		pruned += n
		if !ok {
			retry = append(retry, o)
		}
	}
	s.markStale(retry)

	if pruned > 0 {
		s.stats.listenersPruned.Add(uint64(pruned))
		s.logger.Debug("sweep: pruned listeners",
			"orecs", len(batch),
			"pruned", pruned,
			"requeued", len(retry),
		)
	}
	return pruned
}
