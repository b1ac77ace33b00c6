// Package bgsync holds background-sync tasks: named hooks a client can ask
// the gateway to run once connectivity is back. Task implementations register
// a factory from init(); the gateway builds a Manager from the factories when
// background sync is enabled.
package bgsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/akmlabs5/loanledger-edge/internal/logging"
)

// ErrUnknownTag is returned when no task is registered under a tag.
var ErrUnknownTag = errors.New("unknown sync tag")

// Task is one background-sync hook.
type Task interface {
	Tag() string
	Run(ctx context.Context) error
}

// Factory creates a task instance.
type Factory func() Task

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// RegisterFactory registers a task factory under tag.
func RegisterFactory(tag string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[tag] = factory
}

// GetFactory returns the factory registered under tag.
func GetFactory(tag string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[tag]
	return f, ok
}

// RegisteredTags returns all registered tags, sorted.
func RegisteredTags() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Manager runs registered tasks on demand.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{tasks: make(map[string]Task)}
}

// NewManagerFromRegistry creates a manager holding one instance of every
// registered task.
func NewManagerFromRegistry() *Manager {
	m := NewManager()
	for _, tag := range RegisteredTags() {
		f, _ := GetFactory(tag)
		m.Register(f())
	}
	return m
}

// Register adds t, replacing any task with the same tag.
func (m *Manager) Register(t Task) {
	m.mu.Lock()
	m.tasks[t.Tag()] = t
	m.mu.Unlock()
	logging.Logger.Info("background sync task registered", "tag", t.Tag())
}

// Tags returns the registered tags, sorted.
func (m *Manager) Tags() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tags := make([]string, 0, len(m.tasks))
	for tag := range m.tasks {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Trigger runs the task registered under tag.
func (m *Manager) Trigger(ctx context.Context, tag string) error {
	m.mu.RLock()
	t, ok := m.tasks[tag]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	if err := t.Run(ctx); err != nil {
		return fmt.Errorf("sync task %s failed: %w", tag, err)
	}
	return nil
}
