package libvirt

import (
	"context"
	"fmt"
	"time"

	"github.com/blang/semver/v4"
	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

// Client wraps a go-libvirt connection and provides the domain lookups the
// hotplug tooling needs. Each monitor channel owns one Client.
type Client struct {
	libvirt *libvirt.Libvirt
}

// Connect establishes a connection to the local libvirt daemon.
// It returns a Client that must be closed via Close() when done.
//
// If socketPath is empty, defaults to "/var/run/libvirt/libvirt-sock" (qemu:///system)
// If timeout is zero, defaults to 5 seconds.
func Connect(socketPath string, timeout time.Duration) (*Client, error) {
	// Set defaults
	if socketPath == "" {
		socketPath = "/var/run/libvirt/libvirt-sock"
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	// Create local dialer with options
	dialer := dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(timeout),
	)

	// Create libvirt client and connect
	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, err)
	}

	return &Client{libvirt: l}, nil
}

// ConnectWithContext establishes a connection with context support for cancellation.
func ConnectWithContext(ctx context.Context, socketPath string, timeout time.Duration) (*Client, error) {
	// Create a channel for the connection result
	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	// Attempt connection in a goroutine
	go func() {
		c, err := Connect(socketPath, timeout)
		resultCh <- result{client: c, err: err}
	}()

	// Wait for either context cancellation or connection completion
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close closes the libvirt connection and releases resources.
// It is safe to call Close multiple times.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}

	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}

	return nil
}

// Libvirt returns the underlying go-libvirt client for direct API access.
// This should be used sparingly; prefer higher-level methods on Client.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// Ping verifies the connection is still alive by calling a simple libvirt API.
func (c *Client) Ping() error {
	if c.libvirt == nil {
		return fmt.Errorf("client not connected")
	}

	// Try to get libvirt version as a ping test
	_, err := c.libvirt.ConnectGetLibVersion()
	if err != nil {
		return fmt.Errorf("libvirt connection is dead: %w", err)
	}

	return nil
}

// HypervisorVersion returns the QEMU version of the connected driver.
func (c *Client) HypervisorVersion() (semver.Version, error) {
	if c.libvirt == nil {
		return semver.Version{}, fmt.Errorf("client not connected")
	}
	v, err := c.libvirt.ConnectGetVersion()
	if err != nil {
		return semver.Version{}, fmt.Errorf("failed to get hypervisor version: %w", err)
	}
	return versionFromHypervisor(v), nil
}

// versionFromHypervisor decodes libvirt's major*1000000 + minor*1000 + micro.
func versionFromHypervisor(v uint64) semver.Version {
	return semver.Version{
		Major: v / 1000000,
		Minor: (v / 1000) % 1000,
		Patch: v % 1000,
	}
}

// LookupDomain finds a domain by name and checks that it is running:
// devices can only be hotplugged into a live machine.
func (c *Client) LookupDomain(name string) (libvirt.Domain, error) {
	if c.libvirt == nil {
		return libvirt.Domain{}, fmt.Errorf("client not connected")
	}
	dom, err := c.libvirt.DomainLookupByName(name)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("failed to look up domain %s: %w", name, err)
	}
	state, _, err := c.libvirt.DomainGetState(dom, 0)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("failed to get state of domain %s: %w", name, err)
	}
	if libvirt.DomainState(state) != libvirt.DomainRunning {
		return libvirt.Domain{}, fmt.Errorf("domain %s is not running (state %d)", name, state)
	}
	return dom, nil
}

// DomainXML returns the live XML description of a domain.
func (c *Client) DomainXML(dom libvirt.Domain) (string, error) {
	if c.libvirt == nil {
		return "", fmt.Errorf("client not connected")
	}
	xml, err := c.libvirt.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return "", fmt.Errorf("failed to get XML of domain %s: %w", dom.Name, err)
	}
	return xml, nil
}
