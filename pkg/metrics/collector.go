package metrics

import (
	"time"

	"github.com/cuemby/conveyor/pkg/types"
)

// Store is the minimal read surface the collector needs; storage.Store
// satisfies it, so this package does not import storage.
type Store interface {
	ListTasks() ([]*types.Task, error)
	ListActiveQueueEntries() ([]*types.QueueEntry, error)
}

// Collector periodically samples storage state into the gauge metrics
// declared in metrics.go.
type Collector struct {
	store  Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(store Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTaskMetrics()
	c.collectQueueMetrics()
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.store.ListTasks()
	if err != nil {
		return
	}
	counts := make(map[types.TaskStatus]int)
	for _, task := range tasks {
		counts[task.Status]++
	}
	for status, count := range counts {
		TasksTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectQueueMetrics() {
	entries, err := c.store.ListActiveQueueEntries()
	if err != nil {
		return
	}
	counts := make(map[types.QueueStatus]int)
	for _, entry := range entries {
		counts[entry.Status]++
	}
	for status, count := range counts {
		QueueEntriesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
