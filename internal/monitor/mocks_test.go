package monitor

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/digitalocean/go-libvirt"
)

// mockMonitor is a mock implementation of the libvirtClient interface for testing.
type mockMonitor struct {
	mu sync.Mutex

	// Configurable behavior
	monitorCommandFunc func(cmd command) (string, error)

	// Call tracking
	commands []command
}

func newMockMonitor() *mockMonitor {
	m := &mockMonitor{}
	m.monitorCommandFunc = func(cmd command) (string, error) {
		return `{"return":{}}`, nil
	}
	return m
}

func (m *mockMonitor) QEMUDomainMonitorCommand(dom libvirt.Domain, raw string, flags uint32) (string, error) {
	var cmd command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	fn := m.monitorCommandFunc
	m.mu.Unlock()
	return fn(cmd)
}

func (m *mockMonitor) executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.commands))
	for _, c := range m.commands {
		out = append(out, c.Execute)
	}
	return out
}

// mockEvents feeds DomainEvents to an EventWatcher.
type mockEvents struct {
	ch chan libvirt.DomainEvent
}

func (m *mockEvents) SubscribeQEMUEvents(ctx context.Context, domain string) (<-chan libvirt.DomainEvent, error) {
	return m.ch, nil
}
