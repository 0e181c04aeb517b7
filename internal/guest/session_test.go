package guest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/go-cmp/cmp"
)

// mockAgent is a mock implementation of the agentClient interface for testing.
type mockAgent struct {
	mu sync.Mutex

	// Configurable behavior
	agentCommandFunc func(execute string, args map[string]any) (string, error)

	// Call tracking
	calls []string
}

func (m *mockAgent) QEMUDomainAgentCommand(dom libvirt.Domain, cmd string, timeout int32, flags uint32) (libvirt.OptString, error) {
	var req struct {
		Execute   string         `json:"execute"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(cmd), &req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls = append(m.calls, req.Execute)
	m.mu.Unlock()

	out, err := m.agentCommandFunc(req.Execute, req.Arguments)
	if err != nil {
		return nil, err
	}
	return libvirt.OptString{out}, nil
}

func execReplies(stdout string, exitCode int, pollsBeforeExit int) func(string, map[string]any) (string, error) {
	polls := 0
	return func(execute string, args map[string]any) (string, error) {
		switch execute {
		case "guest-exec":
			return `{"return":{"pid":42}}`, nil
		case "guest-exec-status":
			if args["pid"] != float64(42) {
				return "", fmt.Errorf("unexpected pid %v", args["pid"])
			}
			polls++
			if polls <= pollsBeforeExit {
				return `{"return":{"exited":false}}`, nil
			}
			data := base64.StdEncoding.EncodeToString([]byte(stdout))
			return fmt.Sprintf(`{"return":{"exited":true,"exitcode":%d,"out-data":%q}}`, exitCode, data), nil
		}
		return "", fmt.Errorf("unexpected command %s", execute)
	}
}

func TestSession_ListDisksLinux(t *testing.T) {
	m := &mockAgent{agentCommandFunc: func(execute string, args map[string]any) (string, error) {
		return `{"return":[
			{"name":"/dev/sda","partition":false},
			{"name":"/dev/sda1","partition":true},
			{"name":"/dev/sdb","partition":false},
			{"name":"/dev/vda","partition":false}
		]}`, nil
	}}
	s := NewSession(m, libvirt.Domain{Name: "vm1"}, "", 0)

	disks, err := s.ListDisks(context.Background())
	if err != nil {
		t.Fatalf("ListDisks failed: %v", err)
	}
	if diff := cmp.Diff([]string{"/dev/sda", "/dev/sdb", "/dev/vda"}, disks.Names()); diff != "" {
		t.Errorf("disks mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_ListDisksWindows(t *testing.T) {
	m := &mockAgent{agentCommandFunc: execReplies("Index  \r\n0      \r\n1      \r\n", 0, 1)}
	s := NewSession(m, libvirt.Domain{Name: "win"}, OSWindows, time.Second)

	disks, err := s.ListDisks(context.Background())
	if err != nil {
		t.Fatalf("ListDisks failed: %v", err)
	}
	if diff := cmp.Diff([]string{"0", "1"}, disks.Names()); diff != "" {
		t.Errorf("disks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"guest-exec", "guest-exec-status", "guest-exec-status"}, m.calls); diff != "" {
		t.Errorf("agent calls mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_Describe(t *testing.T) {
	listing := "NAME MAJ:MIN RM SIZE RO TYPE MOUNTPOINT\nsda    8:0    0  10G  0 disk\n"
	m := &mockAgent{agentCommandFunc: execReplies(listing, 0, 0)}
	s := NewSession(m, libvirt.Domain{Name: "vm1"}, OSLinux, time.Second)

	got, err := s.Describe(context.Background())
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if got != listing {
		t.Errorf("Describe = %q, want %q", got, listing)
	}
}

func TestSession_ExecFailures(t *testing.T) {
	t.Run("non-zero exit", func(t *testing.T) {
		m := &mockAgent{agentCommandFunc: execReplies("", 2, 0)}
		s := NewSession(m, libvirt.Domain{Name: "vm1"}, OSLinux, time.Second)
		if _, err := s.Exec(context.Background(), "false"); err == nil || !strings.Contains(err.Error(), "exited with 2") {
			t.Errorf("expected exit status error, got %v", err)
		}
	})

	t.Run("agent error", func(t *testing.T) {
		m := &mockAgent{agentCommandFunc: func(string, map[string]any) (string, error) {
			return `{"error":{"class":"GenericError","desc":"Guest agent command failed"}}`, nil
		}}
		s := NewSession(m, libvirt.Domain{Name: "vm1"}, OSLinux, time.Second)
		if _, err := s.ListDisks(context.Background()); err == nil || !strings.Contains(err.Error(), "GenericError") {
			t.Errorf("expected agent error, got %v", err)
		}
	})

	t.Run("never exits", func(t *testing.T) {
		m := &mockAgent{agentCommandFunc: execReplies("", 0, 1<<30)}
		s := NewSession(m, libvirt.Domain{Name: "vm1"}, OSLinux, 500*time.Millisecond)
		if _, err := s.Exec(context.Background(), "sleep 100"); err == nil {
			t.Error("expected timeout error")
		}
	})

	t.Run("libvirt error", func(t *testing.T) {
		m := &mockAgent{agentCommandFunc: func(string, map[string]any) (string, error) {
			return "", errors.New("Guest agent is not responding")
		}}
		s := NewSession(m, libvirt.Domain{Name: "vm1"}, OSLinux, time.Second)
		if _, err := s.ListDisks(context.Background()); err == nil {
			t.Error("expected error")
		}
	})
}

func TestDiskSet_SymmetricDifference(t *testing.T) {
	before := NewDiskSet("/dev/sda", "/dev/sdb")
	after := NewDiskSet("/dev/sda", "/dev/sdc", "/dev/sdd")

	diff := after.SymmetricDifference(before)
	if got := diff.Names(); !cmp.Equal(got, []string{"/dev/sdb", "/dev/sdc", "/dev/sdd"}) {
		t.Errorf("SymmetricDifference = %v", got)
	}
	if got := diff.Basenames(); !cmp.Equal(got, []string{"sdb", "sdc", "sdd"}) {
		t.Errorf("Basenames = %v", got)
	}
	if len(before.SymmetricDifference(before)) != 0 {
		t.Error("expected empty difference of a set with itself")
	}
}
