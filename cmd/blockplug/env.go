package main

import (
	"context"
	"fmt"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/blockplug/internal/config"
	"github.com/jbweber/blockplug/internal/guest"
	"github.com/jbweber/blockplug/internal/libvirt"
	"github.com/jbweber/blockplug/internal/metadata"
	"github.com/jbweber/blockplug/internal/monitor"
	"github.com/jbweber/blockplug/internal/plug"
	"github.com/jbweber/blockplug/internal/qdev"
	"github.com/jbweber/blockplug/internal/storage"
)

const dialTimeout = 5 * time.Second

// env is everything a command needs to act on the configured domain.
type env struct {
	cfg     *config.Config
	log     *logrus.Entry
	clients []*libvirt.Client
	domain  golibvirt.Domain

	session *guest.Session
	topo    *qdev.Topology
	store   *metadata.DomainStore
	volumes *storage.Manager
	params  map[string]qdev.Params
	events  *monitor.EventWatcher
	plugger *plug.Plugger
}

// connect opens one libvirt connection per configured channel and looks up
// the running domain.
func connect(ctx context.Context, cfg *config.Config) (*env, error) {
	e := &env{
		cfg: cfg,
		log: logrus.WithField("domain", cfg.Domain),
	}
	for i := 0; i < cfg.Channels; i++ {
		client, err := libvirt.ConnectWithContext(ctx, cfg.Socket, dialTimeout)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to connect to libvirt: %w", err)
		}
		e.clients = append(e.clients, client)
	}

	dom, err := e.clients[0].LookupDomain(cfg.Domain)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.domain = dom
	e.session = guest.NewSession(e.clients[0].Libvirt(), dom, cfg.OSType, cfg.Timeouts.Agent)
	return e, nil
}

// openOptions scopes what openPlugger prepares.
type openOptions struct {
	// watch collects DEVICE_DELETED events for unplug batches.
	watch bool
	// images are the images the command acts on.
	images []string
	// create allows missing volumes marked create_image to be created.
	create bool
}

// openPlugger connects and builds a Plugger whose topology reflects the
// domain: devices from the live XML plus the images an earlier run plugged.
// Only those images and the ones in o are resolved to volumes.
func openPlugger(ctx context.Context, cfg *config.Config, o openOptions) (*env, error) {
	e, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.setup(ctx, o); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *env) setup(ctx context.Context, o openOptions) error {
	primary := e.clients[0]

	// Step 1: Build the topology from the live domain
	version, err := primary.HypervisorVersion()
	if err != nil {
		return err
	}
	e.topo = qdev.New(version)
	xml, err := primary.DomainXML(e.domain)
	if err != nil {
		return err
	}
	n, err := libvirt.SeedTopology(e.topo, xml)
	if err != nil {
		return fmt.Errorf("failed to seed topology: %w", err)
	}
	e.log.Debugf("Seeded %d existing devices (QEMU %s)", n, version)

	// Step 2: Load what an earlier run left plugged
	e.store = metadata.NewDomainStore(primary.Libvirt(), e.domain)
	state, err := e.store.Load(ctx)
	if err != nil {
		return err
	}

	// Step 3: Resolve the volumes of the images in play
	e.volumes = storage.NewManager(primary.Libvirt())
	e.params = e.cfg.ImageParams()
	scope := resolveSet(e.params, o.images, state.Images, o.create)
	if err := e.volumes.ResolveImages(ctx, e.cfg.StoragePool, scope); err != nil {
		return err
	}

	// Step 4: Subscribe to device events
	var waiter plug.EventWaiter
	if o.watch {
		e.events, err = monitor.WatchEvents(ctx, primary.Libvirt(), e.domain.Name)
		if err != nil {
			return fmt.Errorf("failed to watch domain events: %w", err)
		}
		waiter = e.events
	}

	// Step 5: Create the plugger
	channels := make([]plug.Channel, 0, len(e.clients))
	for i, c := range e.clients {
		channels = append(channels, monitor.NewChannel(fmt.Sprintf("mon%d", i), c.Libvirt(), e.domain))
	}
	e.plugger, err = plug.New(plug.Options{
		Topology:      e.topo,
		Channels:      channels,
		Guest:         e.session,
		Events:        waiter,
		Store:         e.store,
		Images:        e.cfg.ImageNames(),
		Params:        e.params,
		CDROMs:        e.cfg.CDROMs,
		Parallelism:   e.cfg.Parallelism,
		RetryDeadline: e.cfg.Timeouts.Retry,
		UnplugTimeout: e.cfg.Timeouts.Unplug,
		EventTimeout:  e.cfg.Timeouts.Events,
		Logger:        e.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create plugger: %w", err)
	}

	// Step 6: Restore what an earlier run left plugged
	if err := e.plugger.Restore(state); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	if len(state.Images) > 0 {
		e.log.Infof("Restored %d plugged images", len(state.Images))
	}
	return nil
}

// resolveSet picks the params of the given images and of the images an
// earlier run left plugged. The returned params are shared with params.
// Without create, create_image is dropped so no volume gets created.
func resolveSet(params map[string]qdev.Params, images, plugged []string, create bool) map[string]qdev.Params {
	out := make(map[string]qdev.Params)
	for _, img := range lo.Uniq(append(append([]string(nil), images...), plugged...)) {
		p, ok := params[img]
		if !ok {
			continue
		}
		if !create {
			delete(p, "create_image")
		}
		out[img] = p
	}
	return out
}

// Close releases the event subscription and all connections.
func (e *env) Close() {
	if e.events != nil {
		e.events.Close()
	}
	for _, c := range e.clients {
		if err := c.Close(); err != nil {
			e.log.WithError(err).Warn("Failed to close libvirt connection")
		}
	}
}
