package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/newrelic/go-agent/v3/newrelic"
	"go.uber.org/multierr"
)

// Result records everything Run learned about a resource.
type Result struct {
	Handle Handle
	// Final is the last observed state. It is only terminal when WaitErr is nil.
	Final State

	SubmitErr error
	WaitErr   error
	DeleteErr error

	// DeleteAttempted is false when submission failed or the resource disappeared on its own.
	DeleteAttempted bool
}

// Err combines the wait and delete failures, or returns the submission failure.
func (r *Result) Err() error {
	if r.SubmitErr != nil {
		return r.SubmitErr
	}

	return multierr.Combine(r.WaitErr, r.DeleteErr)
}

// Succeeded reports whether the resource finished in the Succeeded phase and was cleaned up.
func (r *Result) Succeeded() bool {
	return r.Err() == nil && r.Final.Phase == PhaseSucceeded
}

// Report renders a short human-readable summary of the run.
func (r *Result) Report() string {
	var b strings.Builder

	switch {
	case r.SubmitErr != nil:
		fmt.Fprintf(&b, "Resource %s was not created: %v", r.Handle, r.SubmitErr)
		return b.String()
	case r.WaitErr != nil:
		fmt.Fprintf(&b, "Resource %s did not complete: %v", r.Handle, r.WaitErr)
	default:
		fmt.Fprintf(&b, "Resource %s finished with phase %s", r.Handle, r.Final.Phase)
		if r.Final.Reason != "" {
			fmt.Fprintf(&b, " (reason: %s)", r.Final.Reason)
		}
		if r.Final.ExitCode != nil {
			fmt.Fprintf(&b, ", exit code %d", *r.Final.ExitCode)
		}
		if r.Final.Message != "" {
			fmt.Fprintf(&b, "\nMessage: %s", r.Final.Message)
		}
	}

	b.WriteString("\n")
	switch {
	case !r.DeleteAttempted:
		b.WriteString("Deletion skipped: resource no longer exists")
	case r.DeleteErr != nil:
		fmt.Fprintf(&b, "Deletion failed: %v", r.DeleteErr)
	default:
		b.WriteString("Resource deleted")
	}

	return b.String()
}

// Run creates the resource, waits for a terminal phase and always attempts deletion once the
// resource exists, even when the wait failed or ctx was cancelled.
//
// The returned error is the submission failure on its own, or the wait and delete failures combined.
func (o *Orchestrator) Run(ctx context.Context, d Descriptor) (res *Result, err error) {
	txn := newrelic.FromContext(ctx)
	res = &Result{Handle: Handle{Namespace: o.namespace, Name: d.Name}}

	seg := txn.StartSegment("lifecycle/create")
	h, err := o.Create(ctx, d)
	seg.End()
	if err != nil {
		txn.NoticeError(err)
		res.SubmitErr = err
		return res, err
	}
	res.Handle = h

	defer func() {
		var nf *NotFoundError
		if errors.As(res.WaitErr, &nf) {
			o.log.Info("Skipping deletion, resource no longer exists", "resource", h.String())
		} else {
			// cleanup must outlive a cancelled caller
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.cleanupTimeout)
			defer cancel()

			seg := txn.StartSegment("lifecycle/delete")
			res.DeleteAttempted = true
			res.DeleteErr = o.Delete(cleanupCtx, h)
			seg.End()
		}

		err = res.Err()
		if err != nil {
			txn.NoticeError(err)
		}
	}()

	seg = txn.StartSegment("lifecycle/wait")
	res.Final, res.WaitErr = o.WaitUntilTerminal(ctx, h)
	seg.End()

	if res.WaitErr == nil && o.opts.logSink != nil {
		o.copyLogs(ctx, h)
	}

	return res, res.WaitErr
}

func (o *Orchestrator) copyLogs(ctx context.Context, h Handle) {
	lr, ok := o.client.(LogReader)
	if !ok {
		o.log.V(1).Info("Client cannot read resource logs", "resource", h.String())
		return
	}

	if err := lr.Logs(ctx, h.Namespace, h.Name, o.opts.logSink); err != nil {
		o.log.Error(err, "Cannot copy resource logs", "resource", h.String())
	}
}
