package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"sync"
)

// qemuConfPath is where libvirt configures the user QEMU runs as.
const qemuConfPath = "/etc/libvirt/qemu.conf"

var (
	// Cached QEMU user/group IDs
	qemuUID  string
	qemuGID  string
	qemuOnce sync.Once
	qemuErr  error
)

// GetQEMUUserGroup returns the UID and GID for the QEMU process user.
// It tries the user and group configured in qemu.conf, then the common user
// names (qemu, libvirt-qemu), and falls back to 107 with an error.
//
// The result is cached after the first call.
func GetQEMUUserGroup() (uid, gid string, err error) {
	qemuOnce.Do(func() {
		qemuUID, qemuGID, qemuErr = lookupQEMUUser(qemuConfPath)
	})
	return qemuUID, qemuGID, qemuErr
}

func lookupQEMUUser(confPath string) (uid, gid string, err error) {
	var username, groupname string
	if f, err := os.Open(confPath); err == nil {
		username, groupname = parseQEMUConf(f)
		_ = f.Close()
	}

	candidates := []string{"qemu", "libvirt-qemu"}
	if username != "" {
		candidates = append([]string{username}, candidates...)
	}
	for _, name := range candidates {
		u, err := user.Lookup(name)
		if err != nil {
			continue
		}
		gid := u.Gid
		if name == username && groupname != "" {
			if g, err := user.LookupGroup(groupname); err == nil {
				gid = g.Gid
			}
		}
		return u.Uid, gid, nil
	}

	// Fedora/RHEL default
	return "107", "107", fmt.Errorf("could not determine QEMU user/group, using fallback UID/GID 107")
}

// parseQEMUConf extracts the user and group settings from qemu.conf content.
// Missing settings are returned as empty strings.
func parseQEMUConf(r io.Reader) (username, groupname string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), "\"'")
		switch strings.TrimSpace(key) {
		case "user":
			username = value
		case "group":
			groupname = value
		}
	}
	return username, groupname
}
