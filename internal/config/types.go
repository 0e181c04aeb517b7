package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/blockplug/internal/qdev"
)

// Defaults applied by Normalize.
const (
	DefaultSocket        = "/var/run/libvirt/libvirt-sock"
	DefaultOSType        = "linux"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultStoragePool   = "default"
	DefaultPostcondition = 300 * time.Second
	DefaultAgentTimeout  = 60 * time.Second
)

// imageNamePattern keeps image names usable as qids: no dots, which separate
// a controller from its bus index.
var imageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Config is the complete hotplug configuration for one domain.
type Config struct {
	Domain      string        `yaml:"domain"`
	Socket      string        `yaml:"socket,omitempty"`  // libvirt socket (default: /var/run/libvirt/libvirt-sock)
	OSType      string        `yaml:"os_type,omitempty"` // guest OS: linux or windows
	Channels    int           `yaml:"channels,omitempty"`
	Parallelism int           `yaml:"parallelism,omitempty"` // 0 means the number of CPUs
	LogLevel    string        `yaml:"log_level,omitempty"`
	LogFormat   string        `yaml:"log_format,omitempty"` // text or json
	Timeouts    Timeouts      `yaml:"timeouts,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty"` // pause after every device of a batch
	Images      []ImageConfig `yaml:"images"`
	CDROMs      []string      `yaml:"cdroms,omitempty"`       // images attached as CD-ROMs
	StoragePool string        `yaml:"storage_pool,omitempty"` // pool image_name volumes are looked up in
}

// Timeouts groups the waits of a batch. Zero values fall back to the
// orchestrator defaults, except Postcondition which Normalize fills in.
type Timeouts struct {
	Retry         time.Duration `yaml:"retry,omitempty"`         // how long a locked monitor is retried
	Unplug        time.Duration `yaml:"unplug,omitempty"`        // how long an unplug may take in QEMU
	Postcondition time.Duration `yaml:"postcondition,omitempty"` // how long the guest may take to see a change
	Events        time.Duration `yaml:"events,omitempty"`        // how long to wait for DEVICE_DELETED
	Agent         time.Duration `yaml:"agent,omitempty"`         // guest agent command timeout
}

// ImageConfig is one image and the parameters its devices are defined from.
type ImageConfig struct {
	Name   string            `yaml:"name"`
	Params map[string]string `yaml:"params,omitempty"`
}

// Validate checks the configuration for errors.
// Does not check that the domain or image volumes exist.
func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if c.OSType != "linux" && c.OSType != "windows" {
		return fmt.Errorf("os_type must be linux or windows, got %q", c.OSType)
	}
	if c.Channels < 1 {
		return fmt.Errorf("channels must be > 0, got %d", c.Channels)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must be >= 0, got %d", c.Parallelism)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must be >= 0, got %s", c.Interval)
	}
	if err := c.Timeouts.Validate(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}

	seen := make(map[string]bool)
	for i, img := range c.Images {
		if err := img.Validate(); err != nil {
			return fmt.Errorf("images[%d]: %w", i, err)
		}
		if seen[img.Name] {
			return fmt.Errorf("images[%d]: duplicate image name %q", i, img.Name)
		}
		seen[img.Name] = true
	}
	for i, cd := range c.CDROMs {
		if !seen[cd] {
			return fmt.Errorf("cdroms[%d]: %q is not a configured image", i, cd)
		}
	}
	return nil
}

// Validate checks that no timeout is negative.
func (t *Timeouts) Validate() error {
	for name, d := range map[string]time.Duration{
		"retry":         t.Retry,
		"unplug":        t.Unplug,
		"postcondition": t.Postcondition,
		"events":        t.Events,
		"agent":         t.Agent,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0, got %s", name, d)
		}
	}
	return nil
}

// Validate checks an image entry.
func (i *ImageConfig) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !imageNamePattern.MatchString(i.Name) {
		return fmt.Errorf("name must start with an alphanumeric character and contain only alphanumeric, hyphens, or underscores, got %q", i.Name)
	}
	if i.Params["filename"] == "" && i.Params["image_name"] == "" {
		return fmt.Errorf("params must set filename or image_name")
	}
	return nil
}

// Normalize sanitizes user input and fills in defaults.
// This is called automatically by LoadFromFile before validation.
func (c *Config) Normalize() {
	c.Domain = strings.TrimSpace(c.Domain)
	c.OSType = strings.ToLower(strings.TrimSpace(c.OSType))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	if c.Socket == "" {
		c.Socket = DefaultSocket
	}
	if c.OSType == "" {
		c.OSType = DefaultOSType
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.StoragePool == "" {
		c.StoragePool = DefaultStoragePool
	}
	if c.Timeouts.Postcondition == 0 {
		c.Timeouts.Postcondition = DefaultPostcondition
	}
	if c.Timeouts.Agent == 0 {
		c.Timeouts.Agent = DefaultAgentTimeout
	}
	for i := range c.Images {
		c.Images[i].Name = strings.TrimSpace(c.Images[i].Name)
	}
}

// ImageNames returns the configured image names in configuration order.
func (c *Config) ImageNames() []string {
	names := make([]string, 0, len(c.Images))
	for _, img := range c.Images {
		names = append(names, img.Name)
	}
	return names
}

// ImageParams returns a copy of every image's parameters keyed by image name.
func (c *Config) ImageParams() map[string]qdev.Params {
	out := make(map[string]qdev.Params, len(c.Images))
	for _, img := range c.Images {
		p := make(qdev.Params, len(img.Params))
		for k, v := range img.Params {
			p[k] = v
		}
		out[img.Name] = p
	}
	return out
}

// LoadFromFile loads a configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Normalize user input before validation
	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}
