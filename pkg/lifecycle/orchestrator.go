package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Orchestrator drives a single resource through create, wait and delete against a ClusterClient.
//
// It keeps no record of remote state between calls; every status question is answered by a fresh read.
type Orchestrator struct {
	client    ClusterClient
	namespace string
	log       logr.Logger
	opts      options
}

func New(client ClusterClient, namespace string, opts ...Option) *Orchestrator {
	o := defaultOpts
	for _, fn := range opts {
		o = fn(o)
	}
	if o.terminal == nil {
		o.terminal = DefaultTerminalPhases()
	}

	return &Orchestrator{
		client:    client,
		namespace: namespace,
		log:       o.log.WithName("orchestrator"),
		opts:      o,
	}
}

func (o *Orchestrator) Namespace() string {
	return o.namespace
}

// Create validates the descriptor and submits it to the remote system.
func (o *Orchestrator) Create(ctx context.Context, d Descriptor) (Handle, error) {
	h := Handle{Namespace: o.namespace, Name: d.Name}

	if err := d.Validate(); err != nil {
		return Handle{}, &SubmissionError{Handle: h, Err: err}
	}

	o.log.Info("Creating resource", "resource", h.String(), "image", d.Image)
	created, err := o.client.Submit(ctx, o.namespace, d)
	if err != nil {
		return Handle{}, &SubmissionError{Handle: h, Err: err}
	}
	if created.Name == "" {
		created = h
	}
	o.log.V(1).Info("Resource created", "resource", created.String())

	return created, nil
}

// Poll performs exactly one status read.
func (o *Orchestrator) Poll(ctx context.Context, h Handle) (State, error) {
	st, err := o.client.Read(ctx, h.Namespace, h.Name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return State{}, &NotFoundError{Handle: h, Err: err}
		}
		return State{}, &TransientError{Handle: h, Err: err}
	}

	return st, nil
}

// WaitUntilTerminal polls immediately and then once per interval until a terminal phase is observed.
//
// Transient read failures are logged and retried. A missing resource ends the wait with NotFoundError,
// an exhausted budget with TimeoutError and caller cancellation with CancelledError.
func (o *Orchestrator) WaitUntilTerminal(ctx context.Context, h Handle) (State, error) {
	if o.opts.pollInterval <= 0 {
		return State{}, fmt.Errorf("poll interval must be positive, got %s", o.opts.pollInterval)
	}
	if o.opts.timeout <= 0 {
		return State{}, fmt.Errorf("timeout must be positive, got %s", o.opts.timeout)
	}

	log := o.log.WithValues("resource", h.String())
	log.V(1).Info("Waiting for terminal phase",
		"terminal", o.opts.terminal.List(), "interval", o.opts.pollInterval, "timeout", o.opts.timeout)

	waitCtx, cancel := context.WithTimeout(ctx, o.opts.timeout)
	defer cancel()

	var (
		last    State
		lastErr error
		polls   int
	)
	cond := func(pctx context.Context) (bool, error) {
		polls++

		st, err := o.Poll(pctx, h)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				return false, err
			}
			// a read racing the deadline is reported as cancellation, not as a transient failure
			if pctx.Err() != nil {
				return false, nil
			}

			lastErr = err
			log.Error(err, "Status read failed, retrying", "poll", polls)
			return false, nil
		}
		lastErr = nil

		if st.Phase != last.Phase {
			log.Info("Phase changed", "from", describePhase(last.Phase), "to", describePhase(st.Phase))
			o.notify(ctx, Transition{
				Handle:   h,
				Previous: last.Phase,
				Current:  st.Phase,
				State:    st,
				Time:     time.Now(),
			})
		} else {
			log.V(1).Info("Phase unchanged", "phase", describePhase(st.Phase), "poll", polls)
		}
		last = st

		return o.opts.terminal.Has(st.Phase), nil
	}

	// one read now, then one per interval tick
	done, err := cond(waitCtx)
	if err == nil && !done {
		err = wait.PollUntilContextCancel(waitCtx, o.opts.pollInterval, false, cond)
	}
	if err == nil {
		log.Info("Terminal phase reached", "phase", last.Phase, "polls", polls)
		return last, nil
	}

	var nf *NotFoundError
	switch {
	case errors.As(err, &nf):
		return last, err
	case ctx.Err() != nil:
		return last, &CancelledError{Handle: h, Last: last, Err: ctx.Err()}
	case waitCtx.Err() != nil:
		return last, &TimeoutError{Handle: h, Timeout: o.opts.timeout, Last: last, LastErr: lastErr}
	default:
		return last, err
	}
}

// Delete removes the resource. A resource that is already gone counts as deleted.
func (o *Orchestrator) Delete(ctx context.Context, h Handle) error {
	log := o.log.WithValues("resource", h.String())

	err := o.client.Remove(ctx, h.Namespace, h.Name)
	switch {
	case err == nil:
		log.Info("Resource deleted")
	case errors.Is(err, ErrNotFound):
		log.Info("Resource already deleted")
	default:
		return &DeletionError{Handle: h, Err: err}
	}

	return nil
}

func (o *Orchestrator) notify(ctx context.Context, t Transition) {
	if o.opts.observer == nil {
		return
	}
	o.opts.observer.Observe(ctx, t)
}
