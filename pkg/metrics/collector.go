package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/membersync/pkg/log"
	"github.com/cuemby/membersync/pkg/types"
	"github.com/rs/zerolog"
)

// QueueSource is the read side of the work item store the collector samples
type QueueSource interface {
	CountWorkItems(ctx context.Context) (map[types.WorkStatus]int, error)
	ListPendingWorkItems(ctx context.Context, limit int) ([]*types.WorkItem, error)
}

// Collector samples the queue on an interval: the per-status gauges, the
// age of the oldest pending item, and whether storage answers at all.
type Collector struct {
	source   QueueSource
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector. A non-positive interval means 15s.
func NewCollector(source QueueSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		now:      time.Now,
		logger:   log.WithComponent("metrics"),
		stopCh:   make(chan struct{}),
	}
}

// Start samples once immediately and then on every tick
func (c *Collector) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			c.collect()
			select {
			case <-ticker.C:
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector. It is safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	err := c.sample(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to collect queue metrics")
		UpdateComponent("storage", false, err.Error())
		return
	}
	UpdateComponent("storage", true, "")
}

func (c *Collector) sample(ctx context.Context) error {
	counts, err := c.source.CountWorkItems(ctx)
	if err != nil {
		return err
	}
	// Every status gets a sample so drained states drop to zero
	for _, status := range types.WorkStatuses() {
		WorkItemsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	oldest, err := c.source.ListPendingWorkItems(ctx, 1)
	if err != nil {
		return err
	}
	age := 0.0
	if len(oldest) > 0 {
		age = c.now().Sub(oldest[0].CreatedAt).Seconds()
	}
	OldestPendingAge.Set(age)
	return nil
}
