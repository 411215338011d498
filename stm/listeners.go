package stm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// retryLatch — handle ожидающей транзакции. era монотонно растёт с каждым
// новым ожиданием: открытие с устаревшей era игнорируется.
type retryLatch struct {
	mu     sync.Mutex
	era    uint64
	opened bool
	ch     chan struct{}
}

func newRetryLatch() *retryLatch {
	return &retryLatch{ch: make(chan struct{})}
}

// reset начинает новую era и возвращает её.
func (l *retryLatch) reset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.era++
	if l.opened {
		l.ch = make(chan struct{})
		l.opened = false
	}
	return l.era
}

func (l *retryLatch) open(era uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if era != l.era || l.opened {
		return
	}
	l.opened = true
	close(l.ch)
}

// waiting сообщает, ждёт ли ещё владелец latch в этой era.
func (l *retryLatch) waiting(era uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return era == l.era && !l.opened
}

// await блокируется до открытия latch в этой era, истечения deadline
// (нулевой deadline — без ограничения) или отмены ctx, если ожидание
// прерываемое.
func (l *retryLatch) await(ctx context.Context, era uint64, deadline time.Time, interruptible bool) error {
	l.mu.Lock()
	if era != l.era {
		l.mu.Unlock()
		return nil
	}
	ch := l.ch
	l.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			select {
			case <-ch:
				return nil
			default:
				return ErrRetryTimeout
			}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	var done <-chan struct{}
	if interruptible {
		done = ctx.Done()
	}

	select {
	case <-ch:
		return nil
	case <-timeout:
		return ErrRetryTimeout
	case <-done:
		return fmt.Errorf("%w: %w", ErrRetryInterrupted, ctx.Err())
	}
}

// listener — узел неизменяемого после публикации списка ожидающих
// транзакций, прикреплённого к Orec.
type listener struct {
	latch *retryLatch
	era   uint64
	next  *listener
}

// registerListener добавляет узел в голову списка без блокировок.
// Возвращает false, если версия уже ушла от versionRead: тогда ждать
// нечего, и вызывающий должен открыть latch сам.
//
// Коммитящий писатель увеличивает версию до detachListeners, поэтому
// после push либо мы видим новую версию, либо писатель видит наш узел.
func (o *Orec) registerListener(l *retryLatch, era, versionRead uint64) bool {
	node := &listener{latch: l, era: era}
	for {
		head := o.listeners.Load()
		node.next = head
		if o.listeners.CompareAndSwap(head, node) {
			break
		}
	}
	return o.version.Load() == versionRead
}

// detachListeners забирает всю цепочку; вызывающий владеет ею эксклюзивно.
func (o *Orec) detachListeners() *listener {
	if o.listeners.Load() == nil {
		return nil
	}
	return o.listeners.Swap(nil)
}

// pruneListeners выбрасывает узлы, чьи latch уже не ждут в своей era.
// Голова заменяется CAS-ом на отфильтрованную копию: конкурентный push
// или detach побеждает, и тогда ok == false.
func (o *Orec) pruneListeners() (pruned int, ok bool) {
	head := o.listeners.Load()
	if head == nil {
		return 0, true
	}

	var live []*listener
	total := 0
	for n := head; n != nil; n = n.next {
		total++
		if n.latch.waiting(n.era) {
			live = append(live, n)
		}
	}
	if len(live) == total {
		return 0, true
	}

	var rebuilt *listener
	for i := len(live) - 1; i >= 0; i-- {
		rebuilt = &listener{latch: live[i].latch, era: live[i].era, next: rebuilt}
	}
	if !o.listeners.CompareAndSwap(head, rebuilt) {
		return 0, false
	}
	return total - len(live), true
}

// openAll будит всю цепочку. Вызывается строго после снятия всех
// блокировок коммитящей транзакции.
func openAll(chains []*listener) int {
	woken := 0
	for _, head := range chains {
		for n := head; n != nil; n = n.next {
			n.latch.open(n.era)
			woken++
		}
	}
	return woken
}
