package stm

import "time"

// TxConfig — настройки транзакций одного Executor.
type TxConfig struct {
	// MaxRetries ограничивает число попыток (конфликты и пробуждения
	// после retry вместе). Превышение — ErrTooManyRetries.
	MaxRetries int

	// Timeout — общий бюджет ожидания в retry на все попытки; 0 — без ограничения.
	Timeout time.Duration

	BlockingAllowed bool
	Interruptible   bool

	// ReadLockMode и WriteLockMode — блокировки, берущиеся сразу при
	// открытии ссылки. LockNone откладывает блокировку записи до Prepare.
	ReadLockMode  LockMode
	WriteLockMode LockMode

	// DirtyCheck: запись, не изменившая значение, коммитится как чтение.
	DirtyCheck bool

	Readonly bool

	BackoffMin time.Duration
	BackoffMax time.Duration

	// SpeculativeCapacity — ожидаемое число ссылок в транзакции.
	SpeculativeCapacity int

	// FamilyName попадает в логи, помогает отличать атомарные блоки.
	FamilyName string
}

// DefaultTxConfig возвращает настройки по умолчанию.
func DefaultTxConfig() TxConfig {
	return TxConfig{
		MaxRetries:      1000,
		BlockingAllowed: true,
		DirtyCheck:      true,
		BackoffMin:      time.Microsecond,
		BackoffMax:      time.Millisecond,
	}
}

// commitLockMode — блокировка, которую Prepare берёт на записи.
func (c *TxConfig) commitLockMode() LockMode {
	if c.WriteLockMode == LockExclusive {
		return LockExclusive
	}
	return LockWrite
}

// TxOption — функциональная опция для TxConfig.
type TxOption func(*TxConfig)

// WithMaxRetries устанавливает предел числа попыток.
func WithMaxRetries(n int) TxOption {
	return func(c *TxConfig) { c.MaxRetries = n }
}

// WithTimeout ограничивает суммарное время ожидания в retry.
func WithTimeout(d time.Duration) TxOption {
	return func(c *TxConfig) { c.Timeout = d }
}

// WithBlockingAllowed разрешает или запрещает блокирующий retry.
func WithBlockingAllowed(b bool) TxOption {
	return func(c *TxConfig) { c.BlockingAllowed = b }
}

// WithInterruptible делает ожидание в retry прерываемым отменой контекста.
func WithInterruptible(b bool) TxOption {
	return func(c *TxConfig) { c.Interruptible = b }
}

// WithReadLockMode задаёт блокировку, берущуюся при каждом чтении.
func WithReadLockMode(m LockMode) TxOption {
	return func(c *TxConfig) { c.ReadLockMode = m }
}

// WithWriteLockMode задаёт блокировку, берущуюся при открытии на запись.
// LockRead для записи бессмыслен и повышается до LockWrite.
func WithWriteLockMode(m LockMode) TxOption {
	return func(c *TxConfig) {
		if m == LockRead {
			m = LockWrite
		}
		c.WriteLockMode = m
	}
}

// WithDirtyCheck включает или выключает проверку изменения значения.
func WithDirtyCheck(b bool) TxOption {
	return func(c *TxConfig) { c.DirtyCheck = b }
}

// WithReadonly запрещает запись; попытка даёт ErrReadonlyTransaction.
func WithReadonly(b bool) TxOption {
	return func(c *TxConfig) { c.Readonly = b }
}

// WithBackoff задаёт границы экспоненциальной паузы после конфликта.
func WithBackoff(minDelay, maxDelay time.Duration) TxOption {
	return func(c *TxConfig) {
		c.BackoffMin = minDelay
		c.BackoffMax = max(minDelay, maxDelay)
	}
}

func WithSpeculativeCapacity(n int) TxOption {
	return func(c *TxConfig) { c.SpeculativeCapacity = n }
}

func WithFamilyName(name string) TxOption {
	return func(c *TxConfig) { c.FamilyName = name }
}
