package stm

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// STM — экземпляр программной транзакционной памяти: счётчик
// конфликтов, генераторы идентификаторов, статистика и фоновая чистка
// слушателей. Ссылки и транзакции привязаны к своему экземпляру.
//
// Гарантии:
//   - Нет глобальной блокировки: каждая ссылка управляется своим orec
//   - Читатель видит только закоммиченные и согласованные значения
//   - Конфликты лечатся повтором внутри Executor
//   - Retry просыпается только после записи в прочитанную ссылку
type STM struct {
	id  uuid.UUID
	cfg config

	conflicts ConflictCounter

	nextTxID  atomic.Uint64
	nextRefID atomic.Uint64

	defaultExec *Executor
	stats       stats

	// stale — orec, на которых могли остаться слушатели ушедших
	// ожиданий. Чистятся фоновой горутиной.
	stale   map[*Orec]struct{}
	staleMu sync.Mutex

	logger *slog.Logger

	stopSweep context.CancelFunc
	sweepDone chan struct{}
	closeOnce sync.Once
}

// New создаёт STM и запускает фоновую чистку слушателей.
//
// Вызывающий должен вызвать Close() для корректного завершения.
func New(ctx context.Context, opts ...Option) *STM {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)

	s := &STM{
		id:        uuid.New(),
		cfg:       cfg,
		stale:     make(map[*Orec]struct{}),
		stopSweep: stopSweep,
		sweepDone: make(chan struct{}),
	}
	s.logger = cfg.logger.With("stm", s.id.String())
	s.defaultExec = s.NewExecutor()

	if cfg.sweepInterval > 0 {
		go s.runSweeper(sweepCtx, cfg.sweepInterval)
	} else {
		close(s.sweepDone)
	}

	s.logger.Debug("stm started",
		"readBiasedThreshold", cfg.readBiasedThreshold,
		"spinCount", cfg.spinCount,
		"sweepInterval", cfg.sweepInterval,
	)
	return s
}

// Close останавливает фоновые горутины. Блокируется до их завершения.
func (s *STM) Close() {
	s.closeOnce.Do(func() {
		s.stopSweep()
		<-s.sweepDone
	})
}

// ID возвращает идентификатор экземпляра.
func (s *STM) ID() uuid.UUID { return s.id }

// ConflictCounter возвращает счётчик конфликтов экземпляра.
func (s *STM) ConflictCounter() *ConflictCounter { return &s.conflicts }

// Atomically выполняет fn исполнителем с настройками по умолчанию.
func (s *STM) Atomically(ctx context.Context, fn func(tx *Tx) error) error {
	return s.defaultExec.Atomically(ctx, fn)
}

// Begin начинает транзакцию с ручным управлением: вызывающий сам
// вызывает Commit или Abort и сам обрабатывает конфликты.
func (s *STM) Begin(opts ...TxOption) *Tx {
	cfg := s.defaultExec.cfg
	for _, o := range opts {
		o(&cfg)
	}
	return newTx(s, &cfg, 0)
}
