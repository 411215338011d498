package stm

import "sync/atomic"

// ConflictCounter — счётчик на экземпляр STM, увеличиваемый каждый раз,
// когда писатель при захвате Exclusive застал других прибывших.
// Транзакции сравнивают его со своим снимком: изменился — перепроверяем
// read set. Корректность он не обеспечивает, только ускоряет её проверку.
type ConflictCounter struct {
	count atomic.Uint64
}

// SignalConflict — одно атомарное увеличение.
func (c *ConflictCounter) SignalConflict() {
	c.count.Add(1)
}

// Count возвращает текущее значение.
func (c *ConflictCounter) Count() uint64 {
	return c.count.Load()
}
