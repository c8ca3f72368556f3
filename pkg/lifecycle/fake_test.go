package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

type readResult struct {
	state State
	err   error
}

// fakeClient replays scripted read results. The last entry repeats once the script is exhausted.
type fakeClient struct {
	mu sync.Mutex

	submitErr error
	reads     []readResult
	removeErr error
	logs      string
	logsErr   error

	submitted []Descriptor
	readCalls int
	readTimes []time.Time
	removed   []Handle
	// context error observed when Remove was called
	removeCtxErr error
}

func (f *fakeClient) Submit(_ context.Context, namespace string, d Descriptor) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitted = append(f.submitted, d)
	if f.submitErr != nil {
		return Handle{}, f.submitErr
	}

	return Handle{Namespace: namespace, Name: d.Name}, nil
}

func (f *fakeClient) Read(context.Context, string, string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.readCalls
	f.readCalls++
	f.readTimes = append(f.readTimes, time.Now())
	if len(f.reads) == 0 {
		return State{}, errors.New("no reads scripted")
	}
	if idx >= len(f.reads) {
		idx = len(f.reads) - 1
	}

	r := f.reads[idx]
	return r.state, r.err
}

func (f *fakeClient) Remove(ctx context.Context, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removed = append(f.removed, Handle{Namespace: namespace, Name: name})
	f.removeCtxErr = ctx.Err()

	return f.removeErr
}

func (f *fakeClient) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.readCalls
}

// readGaps returns the time elapsed between consecutive reads.
func (f *fakeClient) readGaps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	var gaps []time.Duration
	for i := 1; i < len(f.readTimes); i++ {
		gaps = append(gaps, f.readTimes[i].Sub(f.readTimes[i-1]))
	}

	return gaps
}

func (f *fakeClient) removals() []Handle {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Handle(nil), f.removed...)
}

type fakeLogClient struct {
	*fakeClient
}

func (f fakeLogClient) Logs(_ context.Context, _, _ string, w io.Writer) error {
	if f.logsErr != nil {
		return f.logsErr
	}
	_, err := io.WriteString(w, f.logs)

	return err
}

func phase(p Phase) readResult {
	return readResult{state: State{Phase: p}}
}

func readErr(err error) readResult {
	return readResult{err: err}
}
