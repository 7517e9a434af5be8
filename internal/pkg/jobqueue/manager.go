package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayGate/internal/pkg/config"
	"github.com/ManuelReschke/PayGate/internal/pkg/health"
)

// HealthTasks is the part of health.Monitor the periodic tasks need.
type HealthTasks interface {
	GenerateAlerts(ctx context.Context) ([]health.Alert, error)
	CleanupOldLogs(ctx context.Context, retentionDays int) (*health.CleanupResult, error)
}

// Manager manages the job queue and background tasks
type Manager struct {
	queue         *Queue
	reconciler    *Reconciler
	monitor       HealthTasks
	cfg           config.Jobs
	retentionDays int
	stopCh        chan struct{}
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewManager wires the reconciliation handlers into queue. monitor may be nil
// to run without alert evaluation and cleanup.
func NewManager(queue *Queue, reconciler *Reconciler, monitor HealthTasks, cfg config.Jobs, retentionDays int) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	if reconciler != nil {
		reconciler.Register(queue)
	}
	return &Manager{
		queue:         queue,
		reconciler:    reconciler,
		monitor:       monitor,
		cfg:           cfg,
		retentionDays: retentionDays,
	}
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
	var ctx context.Context
	ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	if m.reconciler != nil {
		m.startTicker(ctx, "reconcile sweep", m.cfg.SweepInterval, m.sweepOnce)
	}
	if m.monitor != nil {
		m.startTicker(ctx, "alert", m.cfg.AlertInterval, m.alertOnce)
		if m.retentionDays > 0 {
			m.startTicker(ctx, "cleanup", m.cfg.CleanupInterval, m.cleanupOnce)
		}
	}

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

	close(m.stopCh)
	m.cancel()
	m.stopCh = nil
	m.running = false

	m.wg.Wait()
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) startTicker(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	ticker := time.NewTicker(interval)
	stopCh := m.stopCh
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		log.Infof("[JobQueue Manager] Started %s worker (interval: %s)", name, interval)
		for {
			select {
			case <-stopCh:
				log.Infof("[JobQueue Manager] %s worker stopping", name)
				return
			case <-ticker.C:
				if err := run(ctx); err != nil {
					log.Errorf("[JobQueue Manager] %s error: %v", name, err)
				}
			}
		}
	}()
}

func (m *Manager) sweepOnce(ctx context.Context) error {
	_, err := m.reconciler.Sweep(ctx, m.queue)
	return err
}

func (m *Manager) alertOnce(ctx context.Context) error {
	_, err := m.monitor.GenerateAlerts(ctx)
	return err
}

func (m *Manager) cleanupOnce(ctx context.Context) error {
	_, err := m.monitor.CleanupOldLogs(ctx, m.retentionDays)
	return err
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
