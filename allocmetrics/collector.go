// Package allocmetrics exports allocator and arena statistics as Prometheus
// gauges.
package allocmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pavanmanishd/dqnalloc"
)

// Collector gathers stats from registered sources on every scrape. Sources
// are called from the scraping goroutine, so they must be safe to call
// concurrently with the owner: SafeArena.Stats is, a plain Arena's is not.
type Collector struct {
	mu         sync.Mutex
	allocators map[string]func() dqnalloc.AllocatorStats
	arenas     map[string]func() dqnalloc.ArenaStats

	bytesAllocated   *prometheus.Desc
	allocations      *prometheus.Desc
	totalBytes       *prometheus.Desc
	totalAllocations *prometheus.Desc

	arenaUsed      *prometheus.Desc
	arenaAllocated *prometheus.Desc
	arenaWasted    *prometheus.Desc
	arenaBlocks    *prometheus.Desc
	arenaHighWater *prometheus.Desc
}

// NewCollector returns a Collector with metric names prefixed by namespace.
func NewCollector(namespace string) *Collector {
	label := []string{"name"}
	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, label, nil)
	}
	return &Collector{
		allocators: make(map[string]func() dqnalloc.AllocatorStats),
		arenas:     make(map[string]func() dqnalloc.ArenaStats),

		bytesAllocated:   desc("allocator", "bytes_allocated", "Live bytes handed out."),
		allocations:      desc("allocator", "allocations", "Live allocations."),
		totalBytes:       desc("allocator", "bytes_allocated_total", "Bytes handed out over the allocator's lifetime."),
		totalAllocations: desc("allocator", "allocations_total", "Allocations over the allocator's lifetime."),

		arenaUsed:      desc("arena", "used_bytes", "Bytes consumed across all blocks."),
		arenaAllocated: desc("arena", "allocated_bytes", "Capacity of all blocks."),
		arenaWasted:    desc("arena", "wasted_bytes", "Free bytes in blocks below the top block."),
		arenaBlocks:    desc("arena", "blocks", "Blocks in the chain."),
		arenaHighWater: desc("arena", "high_water_used_bytes", "Most bytes ever in use."),
	}
}

// AddAllocator registers an allocator stats source under name.
func (c *Collector) AddAllocator(name string, stats func() dqnalloc.AllocatorStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allocators[name] = stats
}

// AddArena registers an arena stats source under name.
func (c *Collector) AddArena(name string, stats func() dqnalloc.ArenaStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arenas[name] = stats
}

// Remove drops every source registered under name.
func (c *Collector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.allocators, name)
	delete(c.arenas, name)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.bytesAllocated, c.allocations, c.totalBytes, c.totalAllocations,
		c.arenaUsed, c.arenaAllocated, c.arenaWasted, c.arenaBlocks, c.arenaHighWater,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gauge := func(d *prometheus.Desc, v float64, name string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, name)
	}
	counter := func(d *prometheus.Desc, v float64, name string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, name)
	}
	for name, fn := range c.allocators {
		s := fn()
		gauge(c.bytesAllocated, float64(s.BytesAllocated), name)
		gauge(c.allocations, float64(s.Allocations), name)
		counter(c.totalBytes, float64(s.TotalBytesAllocated), name)
		counter(c.totalAllocations, float64(s.TotalAllocations), name)
	}
	for name, fn := range c.arenas {
		s := fn()
		gauge(c.arenaUsed, float64(s.TotalUsed), name)
		gauge(c.arenaAllocated, float64(s.TotalAllocated), name)
		gauge(c.arenaWasted, float64(s.TotalWasted), name)
		gauge(c.arenaBlocks, float64(s.TotalBlocks), name)
		gauge(c.arenaHighWater, float64(s.HighWater.Used), name)
	}
}
