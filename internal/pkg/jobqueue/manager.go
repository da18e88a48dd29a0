package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// Manager manages the global job queue and background tasks
type Manager struct {
	queue         *Queue
	monitorTicker *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		workerCount := env.GetInt("JOB_QUEUE_WORKERS", 5)
		globalManager = &Manager{
			queue:  NewQueue(workerCount),
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
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

	m.queue.Start()

	m.monitorTicker = time.NewTicker(env.GetDuration("JOB_QUEUE_MONITOR_INTERVAL", 5*time.Minute))
	m.wg.Add(1)
	go m.monitorWorker(m.stopCh, m.monitorTicker)

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

	if m.monitorTicker != nil {
		m.monitorTicker.Stop()
	}

	// Signal workers to stop
	close(m.stopCh)
	m.stopCh = nil
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// monitorWorker logs queue depth and warns while dead letters are waiting
func (m *Manager) monitorWorker(stopCh <-chan struct{}, ticker *time.Ticker) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Monitor worker stopping")
			return
		case <-ticker.C:
			m.logStatsOnce(context.Background())
		}
	}
}

func (m *Manager) logStatsOnce(ctx context.Context) {
	stats, err := m.queue.GetStats(ctx)
	if err != nil {
		log.Errorf("[JobQueue Manager] Stats error: %v", err)
		return
	}
	log.Debugf("[JobQueue Manager] pending=%d processing=%d dead=%d", stats.Pending, stats.Processing, stats.DeadLetters)
	if stats.DeadLetters > 0 {
		log.Warnf("[JobQueue Manager] %d jobs waiting in the dead-letter list", stats.DeadLetters)
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
