// Package stmprom экспортирует статистику stm.STM в Prometheus.
package stmprom

import (
	"github.com/prometheus/client_golang/prometheus"

	"go-stm/stm"
)

const namespace = "stm"

// StatsSource — то, что умеет отдавать снимок статистики. *stm.STM
// подходит напрямую.
type StatsSource interface {
	Stats() stm.Stats
}

type metric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(stm.Stats) uint64
}

// Collector — prometheus.Collector поверх Stats(). Значения читаются
// при каждом Collect, собственного состояния нет.
type Collector struct {
	source  StatsSource
	metrics []metric
}

// NewCollector создаёт коллектор. instance попадает в константную
// метку "stm", чтобы различать несколько экземпляров в одном процессе.
func NewCollector(source StatsSource, instance string) *Collector {
	labels := prometheus.Labels{"stm": instance}
	counter := func(name, help string, value func(stm.Stats) uint64) metric {
		return metric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels),
			kind:  prometheus.CounterValue,
			value: value,
		}
	}

	return &Collector{
		source: source,
		metrics: []metric{
			counter("transactions_started_total", "Transaction attempts started.",
				func(s stm.Stats) uint64 { return s.Started }),
			counter("commits_total", "Committed transactions.",
				func(s stm.Stats) uint64 { return s.Commits }),
			counter("aborts_total", "Aborted transaction attempts.",
				func(s stm.Stats) uint64 { return s.Aborts }),
			counter("conflicts_total", "Attempts aborted with a read or write conflict.",
				func(s stm.Stats) uint64 { return s.Conflicts }),
			counter("retry_waits_total", "Blocking retry waits.",
				func(s stm.Stats) uint64 { return s.RetryWaits }),
			counter("wakeups_total", "Listeners woken by committed writes.",
				func(s stm.Stats) uint64 { return s.Wakeups }),
			counter("too_many_retries_total", "Atomic blocks that gave up after the retry limit.",
				func(s stm.Stats) uint64 { return s.TooManyRetries }),
			counter("unregistered_arrivals_total", "Arrivals on read-biased references.",
				func(s stm.Stats) uint64 { return s.UnregisteredArrivals }),
			counter("atomic_writes_total", "Non-transactional writes.",
				func(s stm.Stats) uint64 { return s.AtomicWrites }),
			counter("locked_failures_total", "Non-transactional operations that found the reference locked.",
				func(s stm.Stats) uint64 { return s.LockedFailures }),
			counter("listeners_pruned_total", "Stale retry listeners removed by the sweeper.",
				func(s stm.Stats) uint64 { return s.ListenersPruned }),
			counter("conflict_signals_total", "Value of the global conflict counter.",
				func(s stm.Stats) uint64 { return s.ConflictSignals }),
		},
	}
}

// Describe реализует prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect реализует prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Stats()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, float64(m.value(snap)))
	}
}
