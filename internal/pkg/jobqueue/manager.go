package jobqueue

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/lunaria-app/lunaria/internal/pkg/metrics/counter"
)

// AckSweeper re-acknowledges settled purchases the provider never confirmed.
// Satisfied by the billing service.
type AckSweeper interface {
	SweepUnacknowledged(ctx context.Context, limit int) error
}

const (
	ackSweepBatchSize    = 50
	counterFlushInterval = 5 * time.Second
)

// Manager manages the global job queue and background tasks
type Manager struct {
	queue       *Queue
	sweeper     AckSweeper
	sweepTicker *time.Ticker
	flushTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton). Configure must
// be called before Start.
func GetManager() *Manager {
	managerOnce.Do(func() {
		workerCount := 2
		if v, err := strconv.Atoi(os.Getenv("JOBQUEUE_WORKERS")); err == nil && v > 0 {
			workerCount = v
		}

		globalManager = &Manager{
			queue:  NewQueue(workerCount, nil),
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// Configure wires the billing service into the queue and the sweep. The
// service satisfies both AckHandler and AckSweeper.
func (m *Manager) Configure(handler AckHandler, sweeper AckSweeper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue.handler = handler
	m.sweeper = sweeper
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	// Start the job queue
	m.queue.Start()

	// Periodic database sweep for purchases whose acknowledgment was lost
	// along with the retry job (e.g. Redis flush or crash).
	sweepInterval := 15 * time.Minute
	if v, err := strconv.Atoi(os.Getenv("ACK_SWEEP_INTERVAL_MINUTES")); err == nil && v > 0 {
		sweepInterval = time.Duration(v) * time.Minute
	}
	m.sweepTicker = time.NewTicker(sweepInterval)
	m.wg.Add(1)
	go m.ackSweepWorker(m.stopCh)

	// Flush Redis usage counters to the database in small batches.
	m.flushTicker = time.NewTicker(counterFlushInterval)
	m.wg.Add(1)
	go m.counterFlushWorker(m.stopCh)

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}
	if m.flushTicker != nil {
		m.flushTicker.Stop()
	}

	// Signal workers to stop
	close(m.stopCh)
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	// Stop the job queue
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// ackSweepWorker runs periodically to re-acknowledge unsettled purchases
func (m *Manager) ackSweepWorker(stopCh <-chan struct{}) {
	defer m.wg.Done()
	log.Info("[JobQueue Manager] Started ack sweep worker")

	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Ack sweep worker stopping")
			return
		case <-m.sweepTicker.C:
			if m.sweeper == nil {
				continue
			}
			log.Debug("[JobQueue Manager] Running acknowledgment sweep")
			if err := m.sweeper.SweepUnacknowledged(context.Background(), ackSweepBatchSize); err != nil {
				log.Errorf("[JobQueue Manager] Ack sweep error: %v", err)
			}
		}
	}
}

// counterFlushWorker periodically flushes Redis usage counters to MySQL
func (m *Manager) counterFlushWorker(stopCh <-chan struct{}) {
	defer m.wg.Done()
	log.Info("[JobQueue Manager] Started counter flush worker")

	for {
		select {
		case <-stopCh:
			// Final flush so pending tallies survive a shutdown.
			if err := counter.FlushAll(); err != nil {
				log.Errorf("[JobQueue Manager] Final counter flush error: %v", err)
			}
			log.Info("[JobQueue Manager] Counter flush worker stopping")
			return
		case <-m.flushTicker.C:
			if err := counter.FlushAll(); err != nil {
				log.Errorf("[JobQueue Manager] Counter flush error: %v", err)
			}
		}
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
