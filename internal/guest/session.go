// Package guest talks to the QEMU guest agent of a running domain. It is used
// only to observe the disks the guest sees, never to control the guest.
package guest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/digitalocean/go-libvirt"
)

// OS types a session knows how to query.
const (
	OSLinux   = "linux"
	OSWindows = "windows"
)

const (
	linuxListing   = "lsblk -a"
	windowsListing = "wmic logicaldisk get drivetype,name,description & wmic diskdrive list brief /format:list"
	windowsIndexes = "wmic diskdrive get index"
)

// errNotExited is returned by a guest-exec-status poll while the command runs.
var errNotExited = errors.New("guest command has not exited")

// agentClient defines the libvirt operation a session needs.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type agentClient interface {
	// QEMUDomainAgentCommand runs a guest agent command
	QEMUDomainAgentCommand(Dom libvirt.Domain, Cmd string, Timeout int32, Flags uint32) (libvirt.OptString, error)
}

// Session runs guest agent commands against one domain.
type Session struct {
	client  agentClient
	domain  libvirt.Domain
	osType  string
	timeout time.Duration
}

// NewSession creates a session. A zero timeout defaults to 60 seconds.
func NewSession(client agentClient, domain libvirt.Domain, osType string, timeout time.Duration) *Session {
	if osType == "" {
		osType = OSLinux
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Session{client: client, domain: domain, osType: osType, timeout: timeout}
}

// IsWindows reports whether the guest runs Windows.
func (s *Session) IsWindows() bool {
	return s.osType == OSWindows
}

// ListDisks returns the whole disks the guest currently sees.
func (s *Session) ListDisks(ctx context.Context) (DiskSet, error) {
	if s.IsWindows() {
		out, err := s.Exec(ctx, windowsIndexes)
		if err != nil {
			return nil, fmt.Errorf("failed to list guest disks: %w", err)
		}
		fields := strings.Fields(out)
		if len(fields) > 0 {
			// Drop the "Index" header.
			fields = fields[1:]
		}
		return NewDiskSet(fields...), nil
	}

	var disks []struct {
		Name      string `json:"name"`
		Partition bool   `json:"partition"`
	}
	if err := s.agent(ctx, "guest-get-disks", nil, &disks); err != nil {
		return nil, fmt.Errorf("failed to list guest disks: %w", err)
	}
	set := DiskSet{}
	for _, d := range disks {
		if !d.Partition {
			set.Add(d.Name)
		}
	}
	return set, nil
}

// Describe returns a human readable listing of the guest's disks for
// diagnostics.
func (s *Session) Describe(ctx context.Context) (string, error) {
	if s.IsWindows() {
		return s.Exec(ctx, windowsListing)
	}
	return s.Exec(ctx, linuxListing)
}

// Exec runs a shell command line in the guest and returns its standard output.
func (s *Session) Exec(ctx context.Context, cmdline string) (string, error) {
	args := map[string]any{"capture-output": true}
	if s.IsWindows() {
		args["path"] = "cmd.exe"
		args["arg"] = []string{"/c", cmdline}
	} else {
		args["path"] = "/bin/sh"
		args["arg"] = []string{"-c", cmdline}
	}

	var started struct {
		PID int `json:"pid"`
	}
	if err := s.agent(ctx, "guest-exec", args, &started); err != nil {
		return "", fmt.Errorf("failed to run %q: %w", cmdline, err)
	}

	type execStatus struct {
		Exited   bool   `json:"exited"`
		ExitCode int    `json:"exitcode"`
		OutData  string `json:"out-data"`
		ErrData  string `json:"err-data"`
	}

	b := backoff.NewConstantBackOff(200 * time.Millisecond)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	status, err := backoff.RetryWithData(func() (execStatus, error) {
		var st execStatus
		if err := s.agent(ctx, "guest-exec-status", map[string]any{"pid": started.PID}, &st); err != nil {
			return st, backoff.Permanent(err)
		}
		if !st.Exited {
			return st, errNotExited
		}
		return st, nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return "", fmt.Errorf("failed to wait for %q: %w", cmdline, err)
	}

	out, err := base64.StdEncoding.DecodeString(status.OutData)
	if err != nil {
		return "", fmt.Errorf("failed to decode output of %q: %w", cmdline, err)
	}
	if status.ExitCode != 0 {
		stderr, _ := base64.StdEncoding.DecodeString(status.ErrData)
		return string(out), fmt.Errorf("%q exited with %d: %s", cmdline, status.ExitCode, strings.TrimSpace(string(stderr)))
	}
	return string(out), nil
}

// agent runs one guest agent command and decodes its return member into v.
func (s *Session) agent(ctx context.Context, execute string, args map[string]any, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := map[string]any{"execute": execute}
	if args != nil {
		cmd["arguments"] = args
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", execute, err)
	}

	res, err := s.client.QEMUDomainAgentCommand(s.domain, string(payload), int32(s.timeout/time.Second), 0)
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", execute, err)
	}
	if len(res) == 0 {
		return fmt.Errorf("empty reply to %s", execute)
	}

	var reply struct {
		Return json.RawMessage `json:"return"`
		Error  *struct {
			Class string `json:"class"`
			Desc  string `json:"desc"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(res[0]), &reply); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", execute, err)
	}
	if reply.Error != nil {
		return fmt.Errorf("%s failed: %s: %s", execute, reply.Error.Class, reply.Error.Desc)
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(reply.Return, v)
}

// basename reduces a guest device path to its final element.
func basename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	return path.Base(name)
}
