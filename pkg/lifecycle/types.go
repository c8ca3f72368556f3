package lifecycle

import (
	"context"
	"io"
	"slices"
	"time"

	"golang.org/x/exp/maps"
)

// Phase is the lifecycle step reported by the remote system for a resource.
type Phase string

const (
	// PhasePending indicates that the resource was accepted but is not running yet.
	PhasePending Phase = "Pending"
	// PhaseRunning indicates that the resource is executing.
	PhaseRunning Phase = "Running"
	// PhaseSucceeded indicates that the resource completed successfully.
	PhaseSucceeded Phase = "Succeeded"
	// PhaseFailed indicates that the resource completed with an error.
	PhaseFailed Phase = "Failed"
	// PhaseUnknown indicates that the remote system could not determine the phase.
	PhaseUnknown Phase = "Unknown"
)

// PhaseSet is an unordered collection of phases.
type PhaseSet map[Phase]struct{}

func NewPhaseSet(phases ...Phase) PhaseSet {
	s := make(PhaseSet, len(phases))
	for _, p := range phases {
		s[p] = struct{}{}
	}

	return s
}

// DefaultTerminalPhases returns a new set containing Succeeded and Failed.
func DefaultTerminalPhases() PhaseSet {
	return NewPhaseSet(PhaseSucceeded, PhaseFailed)
}

func (s PhaseSet) Has(p Phase) bool {
	_, ok := s[p]
	return ok
}

// List returns the members of the set in lexical order.
func (s PhaseSet) List() []Phase {
	phases := maps.Keys(s)
	slices.Sort(phases)

	return phases
}

// Handle identifies a submitted resource.
type Handle struct {
	Namespace string
	Name      string
}

func (h Handle) String() string {
	return h.Namespace + "/" + h.Name
}

// Descriptor is the caller-supplied definition of a resource. It is consumed once by Create.
type Descriptor struct {
	// Name of the resource, unique within the namespace.
	Name string
	// Image reference run by the resource.
	Image string
	// Args passed to the image entrypoint, in order.
	Args []string
	// Labels added to the resource metadata.
	Labels map[string]string
}

// State is a point-in-time projection of a remote resource.
type State struct {
	Phase   Phase
	Reason  string
	Message string
	// ExitCode of the main container once it has terminated.
	ExitCode *int32
}

// Transition describes a change in the observed phase of a resource.
type Transition struct {
	Handle   Handle
	Previous Phase
	Current  Phase
	State    State
	Time     time.Time
}

// ClusterClient is the remote control plane capability used by the Orchestrator.
//
// Read and Remove must return an error wrapping ErrNotFound when the resource does not exist.
type ClusterClient interface {
	Submit(ctx context.Context, namespace string, d Descriptor) (Handle, error)
	Read(ctx context.Context, namespace, name string) (State, error)
	Remove(ctx context.Context, namespace, name string) error
}

// LogReader is implemented by clients that can copy the output of a resource.
type LogReader interface {
	Logs(ctx context.Context, namespace, name string, w io.Writer) error
}

// Observer receives phase transitions seen while waiting on a resource.
type Observer interface {
	Observe(ctx context.Context, t Transition)
}

type ObserverFunc func(ctx context.Context, t Transition)

func (f ObserverFunc) Observe(ctx context.Context, t Transition) {
	f(ctx, t)
}
