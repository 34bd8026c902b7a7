package inproc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"agentnet/internal/domain"
)

// DeliveryOutcome is the enqueue-phase result of Publish. Recipients lists
// the agents that accepted the message into their mailbox; Failures holds
// everything rejected before reaching a mailbox.
type DeliveryOutcome struct {
	MessageID  string
	Recipients []string
	Failures   map[string]error

	receipts []*Receipt
}

func (o *DeliveryOutcome) addFailure(recipient string, err error) {
	if o.Failures == nil {
		o.Failures = make(map[string]error)
	}
	o.Failures[recipient] = fmt.Errorf("%w: %w", domain.ErrDeliveryFailure, err)
}

func (o DeliveryOutcome) Enqueued() int {
	return len(o.Recipients)
}

// Err reports enqueue-phase failures only.
func (o DeliveryOutcome) Err() error {
	if len(o.Failures) == 0 {
		return nil
	}
	keys := make([]string, 0, len(o.Failures))
	for k := range o.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	errs := make([]error, 0, len(keys))
	for _, k := range keys {
		errs = append(errs, o.Failures[k])
	}
	return errors.Join(errs...)
}

// Await blocks until every enqueued copy has been handled and returns the
// joined enqueue and handler failures.
func (o DeliveryOutcome) Await(ctx context.Context) error {
	errs := []error{o.Err()}
	for _, r := range o.receipts {
		select {
		case <-r.done:
			errs = append(errs, r.err)
		case <-ctx.Done():
			return fmt.Errorf("await delivery of %s: %w", o.MessageID, ctx.Err())
		}
	}
	return errors.Join(errs...)
}

type Receipt struct {
	AgentID string
	done    chan struct{}
	err     error
}

func newReceipt(agentID string) *Receipt {
	return &Receipt{AgentID: agentID, done: make(chan struct{})}
}

func (r *Receipt) finish(err error) {
	r.err = err
	close(r.done)
}
