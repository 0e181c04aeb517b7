package plug

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jbweber/blockplug/internal/guest"
)

// errDiskCountMismatch keeps the postcondition poll going.
var errDiskCountMismatch = errors.New("guest disk count does not match")

// batchFunc is a batch operation a postcondition can wrap.
type batchFunc func(ctx context.Context) error

// withPostcondition wraps op with a guest-side check: the guest disks are
// listed before op runs and polled afterwards until exactly expected disks
// changed, or timeout passes. A timeout of zero or less always fails. The
// check is skipped when exempt reports true once op returned. On success the
// changed disks become the plugged disks.
func (p *Plugger) withPostcondition(action Action, expected int, timeout time.Duration, exempt func() bool, op batchFunc) batchFunc {
	return func(ctx context.Context) error {
		before, err := p.opts.Guest.ListDisks(ctx)
		if err != nil {
			return fmt.Errorf("failed to list guest disks before %s: %w", action, err)
		}
		p.log.Debugf("Guest disks before %s: %v", action, before.Names())

		if err := op(ctx); err != nil {
			return err
		}
		if exempt() {
			p.log.Infof("Skipping guest disk check after %s", action)
			return nil
		}

		changed := guest.DiskSet{}
		if timeout > 0 {
			b := constantBackOff(p.opts.VerifyStep, timeout)
			changed, err = backoff.RetryWithData(func() (guest.DiskSet, error) {
				now, err := p.opts.Guest.ListDisks(ctx)
				if err != nil {
					return changed, err
				}
				diff := now.SymmetricDifference(before)
				if len(diff) != expected {
					return diff, errDiskCountMismatch
				}
				return diff, nil
			}, backoff.WithContext(b, ctx))
			if err == nil {
				p.mu.Lock()
				p.plugged = changed.Basenames()
				p.mu.Unlock()
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		listing, lerr := p.opts.Guest.Describe(ctx)
		if lerr != nil {
			p.log.WithError(lerr).Warn("Failed to collect guest disk details")
		} else {
			p.log.Debugf("The details of disks:\n%s", listing)
		}
		return &PostconditionError{
			Action:   action,
			Expected: expected,
			Actual:   len(changed),
			Listing:  listing,
		}
	}
}
