// Package process provides external command execution and signal handling
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spacetelescope/blast/pkg/logger"
)

// Manager turns OS signals into context cancellation for a matrix run
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []func()
	signals          chan os.Signal
	done             chan struct{}
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool
}

// NewManager creates a new process manager
func NewManager(log logger.Logger) *Manager {
	return &Manager{
		logger:           log,
		shutdownHandlers: make([]func(), 0),
	}
}

// RegisterShutdownHandler adds a handler called (in reverse order) on shutdown
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// Start begins listening for SIGINT/SIGTERM/SIGHUP. The returned context is
// cancelled when a signal arrives or the parent context ends.
func (m *Manager) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		cancel()
		return parent
	}
	m.running = true
	m.signals = make(chan os.Signal, 1)
	m.done = make(chan struct{})
	m.mu.Unlock()

	signal.Notify(m.signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		select {
		case <-ctx.Done():
		case sig := <-m.signals:
			m.logger.Warn("Received signal, stopping after the current command",
				logger.WithField("signal", sig))
			m.handleShutdown()
		case <-m.done:
		}
	}()

	return ctx
}

// Stop releases the signal handler and waits for the listener to exit
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	signal.Stop(m.signals)
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
}

// IsRunning checks if the manager is listening for signals
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) handleShutdown() {
	m.mu.Lock()
	handlers := make([]func(), len(m.shutdownHandlers))
	copy(handlers, m.shutdownHandlers)
	m.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
}
