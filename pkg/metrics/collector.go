package metrics

import (
	"time"

	"github.com/cuemby/brine/pkg/types"
)

// Source is the master state the collector samples
type Source interface {
	CountKeys() (map[types.KeyStatus]int, error)
	ConnectedCount() (int, error)
	Epoch() uint64
	IsLeader() bool
}

// Collector periodically copies registry state into gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector sampling source every interval
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the source once
func (c *Collector) Collect() {
	if counts, err := c.source.CountKeys(); err == nil {
		for _, status := range types.AllKeyStatuses {
			MinionKeysTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}

	if n, err := c.source.ConnectedCount(); err == nil {
		ConnectedMinions.Set(float64(n))
	}

	SessionEpoch.Set(float64(c.source.Epoch()))

	if c.source.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
}
