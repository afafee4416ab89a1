// Package permission tracks the platform's camera permission.
package permission

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/qr-scanner/internal/interfaces"
	"github.com/akylbek/payment-system/qr-scanner/internal/models"
	"github.com/akylbek/payment-system/qr-scanner/internal/telemetry"
)

// Monitor is purely observational: it never opens or closes a camera.
type Monitor struct {
	source interfaces.PermissionSource

	mu          sync.RWMutex
	state       models.PermissionState
	nextID      int
	subscribers map[int]func(models.PermissionState)
	watching    bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(source interfaces.PermissionSource) *Monitor {
	return &Monitor{
		source:      source,
		state:       models.PermissionPrompt,
		subscribers: make(map[int]func(models.PermissionState)),
	}
}

// Start queries the current permission and, when the source can push
// changes, follows them until ctx ends or Close is called.
func (m *Monitor) Start(ctx context.Context) error {
	if m.source == nil {
		telemetry.Logger.Info("Permission query unavailable, assuming prompt")
		return nil
	}

	state, err := m.source.Query(ctx)
	switch {
	case errors.Is(err, interfaces.ErrPermissionQueryUnsupported):
		telemetry.Logger.Info("Permission query unsupported, assuming prompt")
		return nil
	case err != nil:
		return err
	}
	m.set(state)

	watcher, ok := m.source.(interfaces.PermissionWatcher)
	if !ok {
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	updates, err := watcher.Watch(watchCtx)
	if err != nil {
		cancel()
		if errors.Is(err, interfaces.ErrPermissionQueryUnsupported) {
			return nil
		}
		return err
	}

	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.watching = true
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-watchCtx.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				m.set(next)
			}
		}
	}()
	return nil
}

func (m *Monitor) CurrentState() models.PermissionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Watching reports whether live change notification is active.
func (m *Monitor) Watching() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watching
}

// OnChange registers fn for every transition. The returned func unsubscribes.
func (m *Monitor) OnChange(fn func(models.PermissionState)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) Close() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.watching = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) set(next models.PermissionState) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	subs := make([]func(models.PermissionState), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	telemetry.Logger.Info("Camera permission changed",
		zap.String("from_state", string(prev)),
		zap.String("to_state", string(next)),
	)

	for _, fn := range subs {
		fn(next)
	}
}
