package stm

import (
	"log/slog"
	"os"
	"time"
)

// DefaultReadBiasedThreshold — число подряд идущих read-only циклов,
// после которого ссылка переходит в read-biased режим.
const DefaultReadBiasedThreshold = 16

type config struct {
	sweepInterval       time.Duration
	readBiasedThreshold uint64
	spinCount           int
	txDefaults          []TxOption
	logger              *slog.Logger
}

func defaultConfig() config {
	return config{
		sweepInterval:       time.Second,
		readBiasedThreshold: DefaultReadBiasedThreshold,
		spinCount:           16,
		logger:              slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
}

// Option — функциональная опция для STM.
type Option func(*config)

// WithSweepInterval устанавливает интервал чистки устаревших слушателей.
// Неположительный интервал отключает фоновую чистку.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithReadBiasedThreshold задаёт порог перехода в read-biased режим.
// 0 отключает переход, значения выше MaxReadBiasedThreshold обрезаются.
func WithReadBiasedThreshold(n int) Option {
	return func(c *config) {
		c.readBiasedThreshold = uint64(min(max(n, 0), MaxReadBiasedThreshold))
	}
}

// WithSpinCount задаёт число уступок планировщику при ожидании
// несовместимой блокировки до отказа с конфликтом.
func WithSpinCount(n int) Option {
	return func(c *config) { c.spinCount = max(n, 0) }
}

// WithTxDefaults задаёт настройки транзакций для STM.Atomically и Begin.
func WithTxDefaults(opts ...TxOption) Option {
	return func(c *config) { c.txDefaults = append(c.txDefaults, opts...) }
}

// WithLogger устанавливает кастомный slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}
