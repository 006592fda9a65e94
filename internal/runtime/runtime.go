// Package runtime provides the container-runtime capability contract the
// proxy depends on: run a command inside a sidecar as a new process group,
// probe for executables, and deliver signals to the group. The production
// implementation shells out to the docker or podman CLI; the proxy depends
// only on the interface.
package runtime

import (
	"context"
	"io"
	"strings"

	"github.com/aifo-coder/toolexec/internal/routing"
)

// Signal is one of the four forwardable signals. Anything else is rejected
// at the wire boundary.
type Signal string

const (
	SigInt  Signal = "INT"
	SigTerm Signal = "TERM"
	SigHup  Signal = "HUP"
	SigKill Signal = "KILL"
)

// ParseSignal validates a caller-supplied signal name, case-insensitively.
func ParseSignal(s string) (Signal, bool) {
	switch Signal(strings.ToUpper(strings.TrimSpace(s))) {
	case SigInt:
		return SigInt, true
	case SigTerm:
		return SigTerm, true
	case SigHup:
		return SigHup, true
	case SigKill:
		return SigKill, true
	}
	return "", false
}

// SidecarName returns the container name for a toolchain sidecar.
func SidecarName(kind routing.Kind, session string) string {
	return "aifo-tc-" + string(kind) + "-" + session
}

// ExecSpec describes one tool invocation inside a sidecar.
type ExecSpec struct {
	Container string
	Kind      routing.Kind
	Argv      []string // tool plus arguments, already resolved
	Cwd       string   // working directory inside the container
	ExecID    string   // keys the scratch dir holding the group's pgid file
	UID, GID  int      // -1 to skip user mapping
	TTY       bool     // allocate a TTY (streaming only)
	MergeErr  bool     // redirect stderr into stdout inside the group
}

// Proc is a started execution. Output must be drained continuously; Wait
// must be called on every path so the child is always reaped.
type Proc interface {
	Stdout() io.Reader
	// Stderr returns nil when the spec merged stderr into stdout.
	Stderr() io.Reader
	// Wait blocks until the runtime client exits and returns the exit code.
	Wait() int
	// Kill terminates the host-side runtime client (not the in-container
	// group; use Runtime.SignalGroup for that).
	Kill()
}

// Runtime is the full contract the proxy consumes from a container engine.
type Runtime interface {
	// ContainerExists reports whether the named container is present.
	ContainerExists(ctx context.Context, name string) bool
	// ToolAvailable reports whether the executable resolves inside the
	// named container.
	ToolAvailable(ctx context.Context, name, tool string) bool
	// Start launches the spec's command as a new process group inside the
	// container, per the scratch-dir/pgid spawn protocol.
	Start(spec ExecSpec) (Proc, error)
	// SignalGroup delivers sig to the whole process group of the exec.
	// A missing pgid file (not started yet, or already finished) is a
	// successful no-op.
	SignalGroup(ctx context.Context, container, execID string, sig Signal) error
}
