package plug

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jbweber/blockplug/internal/monitor"
	"github.com/jbweber/blockplug/internal/qdev"
)

// constantBackOff polls every step and gives up once max has elapsed.
func constantBackOff(step, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = step
	b.MaxInterval = step
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.MaxElapsedTime = max
	b.Reset()
	return b
}

// issue sends one hotplug or unplug command for d over ch. Commands refused
// because the monitor is locked are retried until the retry deadline, then
// sent once more; whatever that last attempt returns is the result. Any
// other error is returned at once.
func (p *Plugger) issue(ctx context.Context, ch Channel, d *qdev.Device, action Action) (monitor.Response, error) {
	send := func() (monitor.Response, error) {
		if action == ActionHotplug {
			return ch.Hotplug(ctx, d, p.topo.Version())
		}
		return ch.Unplug(ctx, d)
	}

	attempts := 0
	b := constantBackOff(p.opts.RetryInterval, p.opts.RetryDeadline)
	resp, err := backoff.RetryWithData(func() (monitor.Response, error) {
		attempts++
		resp, err := send()
		if err != nil && !errors.Is(err, monitor.ErrLocked) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}, backoff.WithContext(b, ctx))
	if err == nil || !errors.Is(err, monitor.ErrLocked) {
		if attempts > 1 && err == nil {
			p.log.Debugf("%s of %s went through after %d attempts", action, d.ID, attempts)
		}
		return resp, err
	}

	p.log.Warnf("Monitor still locked after %s, sending %s of %s one last time", p.opts.RetryDeadline, action, d.ID)
	return send()
}
