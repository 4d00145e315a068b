package canonicalstore

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Metrics is the monitoring hook the manager reports into.
type Metrics interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
}

// NoOpMetrics provides a no-op metrics implementation.
type NoOpMetrics struct{}

func (m *NoOpMetrics) IncrementCounter(name string, tags map[string]string) {}
func (m *NoOpMetrics) RecordDuration(name string, duration time.Duration, tags map[string]string) {
}

// Manager provides lifecycle management and retry utilities around a
// RepositoryManager.
type Manager struct {
	repoManager RepositoryManager
	config      *Config
	logger      *zap.Logger
	metrics     Metrics

	healthCheckInterval time.Duration
	healthCancel        context.CancelFunc
	healthWg            sync.WaitGroup

	mu        sync.RWMutex
	connected bool
	lastError error
}

// ManagerOption defines functional options for Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics collector for the manager.
func WithMetrics(metrics Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithHealthCheckInterval sets the background health check interval.
func WithHealthCheckInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.healthCheckInterval = interval
	}
}

// NewManager creates a new canonical-store manager.
func NewManager(repoManager RepositoryManager, config *Config, options ...ManagerOption) *Manager {
	manager := &Manager{
		repoManager:         repoManager,
		config:              config,
		logger:              zap.NewNop(),
		metrics:             &NoOpMetrics{},
		healthCheckInterval: time.Minute,
	}
	for _, option := range options {
		option(manager)
	}
	return manager
}

// Open opens the store connection, optionally initializes the schema and
// starts the background health checker.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	if err := m.repoManager.Open(ctx); err != nil {
		m.lastError = err
		m.logger.Error("failed to open canonical store", zap.Error(err))
		m.metrics.IncrementCounter("store.connection.failed", map[string]string{"driver": m.config.Driver})
		return NewConnectionError("open_store", "failed to open canonical store", err)
	}

	if m.config.InitSchema {
		if err := m.repoManager.System().InitSchema(ctx); err != nil {
			m.lastError = err
			m.logger.Error("schema initialization failed", zap.Error(err))
			return NewSchemaError("init_schema", "schema initialization failed", err)
		}
	}

	if err := m.repoManager.System().Ping(ctx); err != nil {
		m.lastError = err
		m.logger.Error("canonical store health check failed", zap.Error(err))
		m.metrics.IncrementCounter("store.health_check.failed", map[string]string{"driver": m.config.Driver})
		return NewConnectionError("initial_health_check", "canonical store unreachable", err)
	}

	m.connected = true
	m.lastError = nil
	m.startHealthChecker()

	m.logger.Info("canonical store opened",
		zap.String("driver", m.config.Driver),
		zap.String("database", m.config.Database))
	m.metrics.IncrementCounter("store.connection.opened", map[string]string{"driver": m.config.Driver})
	return nil
}

// Close stops the health checker and closes the store connection.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	m.stopHealthChecker()

	if err := m.repoManager.Close(ctx); err != nil {
		m.logger.Error("failed to close canonical store", zap.Error(err))
		return NewConnectionError("close_store", "failed to close canonical store", err)
	}

	m.connected = false
	m.lastError = nil
	m.logger.Info("canonical store closed")
	return nil
}

// IsConnected returns whether the store is connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// LastError returns the last error encountered.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// HealthCheck performs a manual health check.
func (m *Manager) HealthCheck(ctx context.Context) error {
	start := time.Now()
	defer func() {
		m.metrics.RecordDuration("store.health_check.duration", time.Since(start),
			map[string]string{"driver": m.config.Driver})
	}()

	if !m.IsConnected() {
		return ErrStoreClosed
	}
	if err := m.repoManager.System().Ping(ctx); err != nil {
		m.mu.Lock()
		m.lastError = err
		m.mu.Unlock()
		m.metrics.IncrementCounter("store.health_check.failed", map[string]string{"driver": m.config.Driver})
		return NewConnectionError("health_check", "ping failed", err)
	}
	return nil
}

// ExecuteWithRetry runs the operation with exponential backoff, stopping
// early on non-retryable errors.
func (m *Manager) ExecuteWithRetry(ctx context.Context, operation func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.config.RetryDelay
	policy.MaxInterval = m.config.RetryMaxDelay
	policy.MaxElapsedTime = 0

	attempts := 0
	wrapped := func() error {
		attempts++
		err := operation()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if attempts > m.config.MaxRetries {
			return backoff.Permanent(err)
		}
		m.logger.Debug("retrying store operation",
			zap.Int("attempt", attempts),
			zap.Error(err))
		m.metrics.IncrementCounter("store.operation.retried", map[string]string{"driver": m.config.Driver})
		return err
	}

	err := backoff.Retry(wrapped, backoff.WithContext(policy, ctx))
	if err != nil {
		m.logger.Warn("store operation failed",
			zap.Int("attempts", attempts),
			zap.Error(err))
	}
	return err
}

// ExecuteInTransaction runs fn inside a store transaction with retry on
// retryable failures. fn must be safe to re-run; every retry sees a fresh
// transaction.
func (m *Manager) ExecuteInTransaction(ctx context.Context, fn func(TransactionContext) error) error {
	return m.ExecuteWithRetry(ctx, func() error {
		return m.repoManager.WithTransaction(ctx, fn)
	})
}

// Repositories returns the underlying repository manager.
func (m *Manager) Repositories() RepositoryManager {
	return m.repoManager
}

func (m *Manager) startHealthChecker() {
	ctx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel

	m.healthWg.Add(1)
	go func() {
		defer m.healthWg.Done()
		ticker := time.NewTicker(m.healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, checkCancel := context.WithTimeout(ctx, time.Second*10)
				if err := m.HealthCheck(checkCtx); err != nil {
					m.logger.Error("background health check failed", zap.Error(err))
				}
				checkCancel()
			}
		}
	}()
}

func (m *Manager) stopHealthChecker() {
	if m.healthCancel != nil {
		m.healthCancel()
		m.healthWg.Wait()
	}
}
