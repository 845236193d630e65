// Package lifecycle provides graceful shutdown management. Ensures
// in-flight invocations complete before services close.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Closer interface for services that need cleanup.
type Closer interface {
	Close() error
}

// ShutdownManager coordinates draining and closing on shutdown. Closers are
// closed in reverse registration order so dependents close before their
// dependencies.
type ShutdownManager struct {
	mu sync.Mutex

	drainTimeout time.Duration
	log          *log.Logger

	draining   bool
	shutdownAt time.Time

	inFlight      sync.WaitGroup
	inFlightCount int64

	closers []Closer
	done    chan struct{}
}

// NewShutdownManager creates a shutdown manager. A zero drain timeout
// defaults to 30 seconds.
func NewShutdownManager(drainTimeout time.Duration, logger *log.Logger) *ShutdownManager {
	if drainTimeout == 0 {
		drainTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ShutdownManager{
		drainTimeout: drainTimeout,
		log:          logger,
		done:         make(chan struct{}),
	}
}

// RegisterCloser adds a service to be closed during shutdown.
func (m *ShutdownManager) RegisterCloser(c Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, c)
}

// StartRequest marks the start of an in-flight invocation. Returns false
// when draining; the request should be rejected.
func (m *ShutdownManager) StartRequest() bool {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return false
	}
	m.inFlightCount++
	m.mu.Unlock()

	m.inFlight.Add(1)
	return true
}

// EndRequest marks the end of an in-flight invocation.
func (m *ShutdownManager) EndRequest() {
	m.inFlight.Done()

	m.mu.Lock()
	m.inFlightCount--
	m.mu.Unlock()
}

// InFlightCount returns the number of in-flight invocations.
func (m *ShutdownManager) InFlightCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlightCount
}

// IsHealthy reports whether the service accepts work.
func (m *ShutdownManager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.draining
}

// Shutdown drains in-flight work, then closes registered services.
func (m *ShutdownManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil // Already shutting down
	}
	m.draining = true
	m.shutdownAt = time.Now()
	m.mu.Unlock()

	drainDone := make(chan struct{})
	go func() {
		m.inFlight.Wait()
		close(drainDone)
	}()

	select {
	case <-drainDone:
	case <-time.After(m.drainTimeout):
		m.log.Printf("drain timeout reached with %d in-flight invocations", m.InFlightCount())
	case <-ctx.Done():
	}

	var errs []error
	m.mu.Lock()
	closers := m.closers
	m.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}

	close(m.done)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Wait blocks until shutdown is complete.
func (m *ShutdownManager) Wait() {
	<-m.done
}

// HandleSignals initiates graceful shutdown on SIGINT/SIGTERM.
func (m *ShutdownManager) HandleSignals(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			m.log.Printf("received signal %v, initiating graceful shutdown", sig)
			m.Shutdown(ctx)
		case <-ctx.Done():
		}
	}()
}
