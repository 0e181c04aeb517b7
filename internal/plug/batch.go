package plug

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/blockplug/internal/monitor"
	"github.com/jbweber/blockplug/internal/naming"
	"github.com/jbweber/blockplug/internal/qdev"
)

// batch carries the settings shared by every worker of one batch.
type batch struct {
	action   Action
	media    qdev.Media
	bus      *qdev.Bus
	interval time.Duration
	log      *logrus.Entry

	// exempt is set when a device in the batch opted out of guest
	// verification.
	exempt atomic.Bool
}

// runSerial plugs or unplugs images one after the other over ch, sleeping
// interval after every device. It returns the outcomes it collected, also
// when it stops on an error.
func (p *Plugger) runSerial(ctx context.Context, b *batch, images []string, ch Channel) (map[string]Outcome, error) {
	if b.action == ActionHotplug {
		return p.hotplugImages(ctx, b, images, ch)
	}
	return p.unplugImages(ctx, b, images, ch)
}

func (p *Plugger) hotplugImages(ctx context.Context, b *batch, images []string, ch Channel) (map[string]Outcome, error) {
	b.log.Infof("Start to hotplug devices %q by channel %s", images, ch.Name())
	results := map[string]Outcome{}

	for _, img := range images {
		chain, err := p.prepareChain(ctx, b, img, ch, results)
		if err != nil {
			return results, err
		}

		for _, d := range chain.Devices {
			if !d.Hotpluggable() {
				b.exempt.Store(true)
			}
			b.log.Infof("Hotplugging %s via %s", d.ID, ch.Name())
			out, err := p.plugOne(ctx, d, ch, b.bus)
			results[d.ID] = out
			if err != nil {
				return results, err
			}
			if err := sleepCtx(ctx, b.interval); err != nil {
				return results, err
			}
		}
		p.remember(img)
	}
	return results, nil
}

// prepareChain defines the chain for img and plugs the controller it needs
// before any chain device, so that concurrent workers see the controller.
func (p *Plugger) prepareChain(ctx context.Context, b *batch, img string, ch Channel, results map[string]Outcome) (Chain, error) {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()

	chain, hba, err := p.buildChain(img, p.params(img), b.media)
	if err != nil {
		return Chain{}, fmt.Errorf("failed to define devices for %s: %w", img, err)
	}
	if chain.Primary() == nil {
		return Chain{}, fmt.Errorf("%w: %s", ErrNoPrimaryDevice, img)
	}
	if hba != nil {
		if err := p.plugHBA(ctx, b, img, hba, ch, results); err != nil {
			return Chain{}, err
		}
	}
	return chain, nil
}

func (p *Plugger) unplugImages(ctx context.Context, b *batch, images []string, ch Channel) (map[string]Outcome, error) {
	targets := make([]*qdev.Device, 0, len(images))
	for _, img := range images {
		d, err := p.resolveTarget(img)
		if err != nil {
			return nil, err
		}
		if !d.Hotpluggable() {
			b.exempt.Store(true)
		}
		targets = append(targets, d)
	}

	b.log.Infof("Start to unplug devices %q by channel %s", images, ch.Name())
	results := map[string]Outcome{}
	for i, d := range targets {
		b.log.Infof("Unplugging %s via %s", d.ID, ch.Name())
		out, err := p.unplugOne(ctx, d.ID, ch)
		results[d.ID] = out
		if err != nil {
			return results, err
		}
		if out.Verdict == monitor.VerdictConfirmed {
			p.forget(images[i])
		}
		if err := sleepCtx(ctx, b.interval); err != nil {
			return results, err
		}
	}
	return results, nil
}

// resolveTarget finds the primary device of a plugged image: its frontend,
// or the format node of a headless chain.
func (p *Plugger) resolveTarget(img string) (*qdev.Device, error) {
	if d, ok := p.topo.Get(img); ok {
		return d, nil
	}
	if d, ok := p.topo.Get(naming.FormatNode(img)); ok && d.Kind != qdev.KindDevice {
		return d, nil
	}
	return nil, &DeviceNotFoundError{ID: img}
}

// partition deals images into n shards: shard i holds images i, i+n, i+2n...
func partition(images []string, n int) [][]string {
	if n <= 0 {
		return nil
	}
	shards := make([][]string, n)
	for i, img := range images {
		shards[i%n] = append(shards[i%n], img)
	}
	return shards
}

// runThreaded spreads images over min(len(images), 2*Parallelism) workers,
// worker i using channel i modulo the number of channels. Every worker runs
// to completion; the first worker error is returned and the others are
// logged. With a positive timeout, workers still running after it are
// cancelled and the batch fails with ErrBatchTimeout.
func (p *Plugger) runThreaded(ctx context.Context, b *batch, images []string, timeout time.Duration) (map[string]Outcome, error) {
	n := min(len(images), 2*p.opts.Parallelism)
	if n == 0 {
		return map[string]Outcome{}, nil
	}
	shards := partition(images, n)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	perShard := make([]map[string]Outcome, n)
	var g errgroup.Group
	for i, shard := range shards {
		i, shard := i, shard
		ch := p.opts.Channels[i%len(p.opts.Channels)]
		g.Go(func() error {
			results, err := p.runSerial(wctx, b, shard, ch)
			perShard[i] = results
			if err != nil {
				b.log.WithError(err).Errorf("%s %q failed", b.action, shard)
			}
			return err
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case err = <-done:
	case <-expired:
		b.log.Warnf("%s workers still running after %s, cancelling", b.action, timeout)
		cancel()
		<-done
		err = fmt.Errorf("%w: %s after %s", ErrBatchTimeout, b.action, timeout)
	}

	merged := map[string]Outcome{}
	for _, results := range perShard {
		for id, out := range results {
			merged[id] = out
		}
	}
	b.log.Infof("All %s workers finished", b.action)
	return merged, err
}

// checkOutcomes fails when any recorded command was not confirmed.
func (p *Plugger) checkOutcomes(action Action, results map[string]Outcome) error {
	ids := lo.Keys(results)
	sort.Strings(ids)
	for _, id := range ids {
		if v := results[id].Verdict; v != monitor.VerdictConfirmed {
			return &VerificationError{Action: action, DeviceID: id, Verdict: v}
		}
	}
	return nil
}

// runBatch is the body shared by the public entry points.
func (p *Plugger) runBatch(ctx context.Context, b *batch, images []string, timeout time.Duration, threaded bool, ch Channel) error {
	var results map[string]Outcome
	var err error
	if threaded {
		results, err = p.runThreaded(ctx, b, images, timeout)
	} else {
		results, err = p.runSerial(ctx, b, images, ch)
	}
	p.record(results)
	if err != nil {
		return err
	}

	if b.action == ActionUnplug {
		swept, err := p.sweepHBAs(ctx, b, ch)
		p.record(swept)
		for id, out := range swept {
			results[id] = out
		}
		if err != nil {
			return err
		}
	}

	if err := p.checkOutcomes(b.action, results); err != nil {
		return err
	}

	if b.action == ActionUnplug && p.opts.Events != nil {
		wait := p.opts.EventTimeout
		if wait == 0 {
			wait = timeout
		}
		// Only frontends, named after their image, raise DEVICE_DELETED.
		var ids []string
		for _, img := range images {
			if _, ok := results[img]; ok {
				ids = append(ids, img)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		if err := p.opts.Events.WaitDeleted(ctx, ids, wait); err != nil {
			return fmt.Errorf("failed to wait for removal of %q: %w", ids, err)
		}
	}
	return nil
}

func (p *Plugger) record(results map[string]Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, out := range results {
		p.results[id] = out
	}
}
