package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrLocked is returned when the machine's monitor is held by another job.
// It is the only error a caller should retry.
var ErrLocked = errors.New("monitor is locked by another job")

// Verdict is the tri-state result of verifying a command against QEMU.
type Verdict int

const (
	// VerdictIndeterminate means verification could not complete.
	VerdictIndeterminate Verdict = iota
	// VerdictConfirmed means QEMU reflects the command.
	VerdictConfirmed
	// VerdictDenied means QEMU does not reflect the command.
	VerdictDenied
)

func (v Verdict) String() string {
	switch v {
	case VerdictConfirmed:
		return "confirmed"
	case VerdictDenied:
		return "denied"
	default:
		return "indeterminate"
	}
}

// MarshalText renders the verdict by name in JSON and YAML output.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// QMPError is the error member of a failed QMP reply.
type QMPError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *QMPError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Desc)
}

// Response is a raw QMP reply.
type Response struct {
	Command string          `json:"-"`
	Return  json.RawMessage `json:"return,omitempty"`
	Error   *QMPError       `json:"error,omitempty"`
}

// Failed reports whether QEMU rejected the command.
func (r Response) Failed() bool {
	return r.Error != nil
}

// String renders the reply for logs.
func (r Response) String() string {
	if r.Error != nil {
		return fmt.Sprintf("%s: error %s", r.Command, r.Error)
	}
	ret := strings.TrimSpace(string(r.Return))
	if ret == "" {
		ret = "{}"
	}
	return fmt.Sprintf("%s: %s", r.Command, ret)
}

// EventTimeoutError is returned when expected DEVICE_DELETED events did not
// arrive in time.
type EventTimeoutError struct {
	Pending []string
}

func (e *EventTimeoutError) Error() string {
	return fmt.Sprintf("no DEVICE_DELETED event received for %s", strings.Join(e.Pending, ";"))
}
