// Package queue implements the ingestion pipeline's partitioned Queue
// Manager: N independent priority lanes with backpressure, scheduled
// retry, and round-robin/priority dequeue.
package queue

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"memento/internal/logging"
	"memento/internal/merrors"
)

// TaskType enumerates the ingestion task kinds the pipeline moves.
type TaskType string

const (
	TaskEntityUpsert       TaskType = "entity_upsert"
	TaskRelationshipUpsert TaskType = "relationship_upsert"
	TaskEmbedding          TaskType = "embedding"
	TaskParse              TaskType = "parse"
)

// Task is one unit of ingestion work.
type Task struct {
	ID           string
	Type         TaskType
	Priority     int
	PartitionKey string
	Data         interface{}
	Metadata     map[string]interface{}
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	ScheduledAt  time.Time
}

// Strategy selects which partition a task lands in.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyHash       Strategy = "hash"
	StrategyPriority   Strategy = "priority"
)

// Config controls the Queue Manager's shape.
type Config struct {
	Partitions            int
	Strategy              Strategy
	MaxSize               int
	BackpressureThreshold int
	DefaultRetryDelay     time.Duration
	MetricsInterval       time.Duration
}

const (
	defaultPartitions   = 8
	defaultMaxSize      = 1000
	defaultBackpressure = 6000
	defaultRetryDelay   = 2 * time.Second
	maxRetryDelay       = 60 * time.Second
)

func (c Config) normalize() Config {
	if c.Partitions <= 0 {
		c.Partitions = defaultPartitions
	}
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
	if c.MaxSize <= 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.BackpressureThreshold <= 0 {
		c.BackpressureThreshold = defaultBackpressure
	}
	if c.DefaultRetryDelay <= 0 {
		c.DefaultRetryDelay = defaultRetryDelay
	}
	return c
}

// Metrics is a periodic snapshot of queue health.
type Metrics struct {
	QueueDepth       int
	OldestEventAge   time.Duration
	PartitionLag     map[int]int
	ThroughputPerSec float64
	ErrorRate        float64
}

// partition holds the pending tasks for one lane, ordered by priority
// descending then FIFO, plus a scheduled (delayed-retry) holding area.
type partition struct {
	mu        sync.Mutex
	ready     []*Task
	scheduled []*Task
}

// Manager is the partitioned, backpressure-aware task queue.
type Manager struct {
	cfg        Config
	partitions []*partition

	mu           sync.Mutex
	rrCursor     int
	dequeued     int64
	enqueued     int64
	errors       int64
	lastMetrics  time.Time
	lastDequeued int64

	schedulerStop chan struct{}
	schedulerDone chan struct{}
}

// New creates a Manager with cfg, applying defaults for zero fields.
func New(cfg Config) *Manager {
	cfg = cfg.normalize()
	m := &Manager{cfg: cfg, partitions: make([]*partition, cfg.Partitions)}
	for i := range m.partitions {
		m.partitions[i] = &partition{}
	}
	return m
}

func (m *Manager) totalDepth() int {
	total := 0
	for _, p := range m.partitions {
		p.mu.Lock()
		total += len(p.ready) + len(p.scheduled)
		p.mu.Unlock()
	}
	return total
}

// partitionFor resolves task to a partition index per the configured
// strategy.
func (m *Manager) partitionFor(task *Task) int {
	n := len(m.partitions)
	switch m.cfg.Strategy {
	case StrategyHash:
		key := task.PartitionKey
		if key == "" {
			key = task.ID
		}
		h := fnv.New32a()
		h.Write([]byte(key))
		return int(h.Sum32()) % n

	case StrategyPriority:
		// Higher priority -> lower-indexed partition.
		bucket := n - 1 - (task.Priority * n / 11)
		if bucket < 0 {
			bucket = 0
		}
		if bucket >= n {
			bucket = n - 1
		}
		return bucket

	default: // round_robin
		m.mu.Lock()
		idx := m.rrCursor % n
		m.rrCursor++
		m.mu.Unlock()
		return idx
	}
}

// Enqueue admits task into its partition, failing with QueueOverflow
// once the total queue depth crosses BackpressureThreshold or the
// target partition is at MaxSize.
func (m *Manager) Enqueue(task *Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if depth := m.totalDepth(); depth >= m.cfg.BackpressureThreshold {
		return merrors.QueueOverflow("*", depth, m.cfg.BackpressureThreshold)
	}

	idx := m.partitionFor(task)
	p := m.partitions[idx]

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ready)+len(p.scheduled) >= m.cfg.MaxSize {
		return merrors.QueueOverflow(fmt.Sprintf("%d", idx), len(p.ready)+len(p.scheduled), m.cfg.MaxSize)
	}
	p.ready = insertByPriority(p.ready, task)

	m.mu.Lock()
	m.enqueued++
	m.mu.Unlock()
	logging.Get(logging.CategoryQueue).Debug("enqueued task %s (type=%s, partition=%d, priority=%d)", task.ID, task.Type, idx, task.Priority)
	return nil
}

// insertByPriority inserts task keeping ready sorted by priority
// descending, FIFO among equal priorities (stable insertion point is
// the first slot whose priority is lower than task's).
func insertByPriority(ready []*Task, task *Task) []*Task {
	i := sort.Search(len(ready), func(i int) bool { return ready[i].Priority < task.Priority })
	ready = append(ready, nil)
	copy(ready[i+1:], ready[i:])
	ready[i] = task
	return ready
}

// DequeueBatch pops up to batchSize tasks. With partitionID >= 0 it
// drains that single partition; with partitionID < 0 it round-robins
// across all partitions.
func (m *Manager) DequeueBatch(partitionID, batchSize int) []*Task {
	if batchSize <= 0 {
		batchSize = 1
	}
	var out []*Task

	if partitionID >= 0 && partitionID < len(m.partitions) {
		out = m.drain(m.partitions[partitionID], batchSize)
	} else {
		n := len(m.partitions)
		for len(out) < batchSize {
			took := false
			for i := 0; i < n && len(out) < batchSize; i++ {
				m.mu.Lock()
				idx := m.rrCursor % n
				m.rrCursor++
				m.mu.Unlock()
				got := m.drain(m.partitions[idx], 1)
				if len(got) > 0 {
					out = append(out, got...)
					took = true
				}
			}
			if !took {
				break
			}
		}
	}

	m.mu.Lock()
	m.dequeued += int64(len(out))
	m.mu.Unlock()
	return out
}

func (m *Manager) drain(p *partition, n int) []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.ready) {
		n = len(p.ready)
	}
	out := append([]*Task(nil), p.ready[:n]...)
	p.ready = p.ready[n:]
	return out
}

// DequeueByPriority pops up to max tasks globally ordered by priority
// descending across every partition.
func (m *Manager) DequeueByPriority(max int) []*Task {
	if max <= 0 {
		max = 1
	}
	var all []*Task
	for _, p := range m.partitions {
		p.mu.Lock()
		all = append(all, p.ready...)
		p.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Priority > all[j].Priority })
	if len(all) > max {
		all = all[:max]
	}

	taken := make(map[*Task]bool, len(all))
	for _, t := range all {
		taken[t] = true
	}
	for _, p := range m.partitions {
		p.mu.Lock()
		remaining := p.ready[:0]
		for _, t := range p.ready {
			if !taken[t] {
				remaining = append(remaining, t)
			}
		}
		p.ready = remaining
		p.mu.Unlock()
	}

	m.mu.Lock()
	m.dequeued += int64(len(all))
	m.mu.Unlock()
	return all
}

// RequeueTask schedules task for a delayed retry, incrementing its
// retry count with exponential backoff plus jitter. Tasks that have
// exhausted MaxRetries are dropped and logged rather than retried.
func (m *Manager) RequeueTask(task *Task, cause error) bool {
	task.RetryCount++
	if task.MaxRetries > 0 && task.RetryCount >= task.MaxRetries {
		logging.Get(logging.CategoryQueue).Warn("task %s dropped after %d retries: %v", task.ID, task.RetryCount, cause)
		m.mu.Lock()
		m.errors++
		m.mu.Unlock()
		return false
	}

	delay := m.cfg.DefaultRetryDelay * time.Duration(1<<uint(task.RetryCount))
	jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(delay))
	delay += jitter
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	if delay < 0 {
		delay = 0
	}
	task.ScheduledAt = time.Now().UTC().Add(delay)

	idx := m.partitionFor(task)
	p := m.partitions[idx]
	p.mu.Lock()
	p.scheduled = append(p.scheduled, task)
	p.mu.Unlock()

	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
	logging.Get(logging.CategoryQueue).Debug("requeued task %s for retry %d in %v", task.ID, task.RetryCount, delay)
	return true
}

// ProcessScheduledTasks promotes every task whose ScheduledAt has
// elapsed back into its partition's ready lane.
func (m *Manager) ProcessScheduledTasks() int {
	now := time.Now().UTC()
	promoted := 0
	for _, p := range m.partitions {
		p.mu.Lock()
		var stillWaiting []*Task
		for _, t := range p.scheduled {
			if now.After(t.ScheduledAt) || now.Equal(t.ScheduledAt) {
				p.ready = insertByPriority(p.ready, t)
				promoted++
			} else {
				stillWaiting = append(stillWaiting, t)
			}
		}
		p.scheduled = stillWaiting
		p.mu.Unlock()
	}
	return promoted
}

// Snapshot reports current queue health for periodic metrics emission.
func (m *Manager) Snapshot(since time.Duration) Metrics {
	lag := make(map[int]int, len(m.partitions))
	var oldest time.Duration
	depth := 0
	now := time.Now().UTC()
	for i, p := range m.partitions {
		p.mu.Lock()
		lag[i] = len(p.ready) + len(p.scheduled)
		depth += lag[i]
		if len(p.ready) > 0 {
			age := now.Sub(p.ready[0].CreatedAt)
			if age > oldest {
				oldest = age
			}
		}
		p.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	throughput := 0.0
	if since > 0 {
		throughput = float64(m.dequeued-m.lastDequeued) / since.Seconds()
	}
	m.lastDequeued = m.dequeued
	errorRate := 0.0
	if m.enqueued > 0 {
		errorRate = float64(m.errors) / float64(m.enqueued)
	}

	return Metrics{
		QueueDepth: depth, OldestEventAge: oldest, PartitionLag: lag,
		ThroughputPerSec: throughput, ErrorRate: errorRate,
	}
}

// Partitions reports the configured partition count.
func (m *Manager) Partitions() int { return len(m.partitions) }

// StartScheduler launches a background loop that calls
// ProcessScheduledTasks every interval, promoting elapsed retries back
// into their partitions' ready lanes. Starting twice without an
// intervening StopScheduler is a no-op.
func (m *Manager) StartScheduler(interval time.Duration) {
	m.mu.Lock()
	if m.schedulerStop != nil {
		m.mu.Unlock()
		return
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.schedulerStop = stop
	m.schedulerDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.ProcessScheduledTasks()
			}
		}
	}()
}

// StopScheduler halts the background promotion loop started by
// StartScheduler, waiting for it to exit.
func (m *Manager) StopScheduler() {
	m.mu.Lock()
	stop := m.schedulerStop
	done := m.schedulerDone
	m.schedulerStop = nil
	m.schedulerDone = nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
