// Package spawner abstracts how a shell-interpreted command line is
// launched on behalf of the orchestrator: as the current user, or
// elevated via su/sudo. It is consumed by pkg/jailer to invoke the
// jailer binary, which itself must run as root even when the rest of
// the orchestrator does not.
package spawner

import (
	"bytes"
	"context"
)

// Output is the captured result of a finished command.
type Output struct {
	Stdout bytes.Buffer
	Stderr bytes.Buffer
}

// Child is a running (or finished) command.
type Child interface {
	// WaitWithOutput blocks until the command exits, returning its
	// captured stdout/stderr. A non-zero exit status is reported as an
	// *exec.ExitError, matching os/exec's own convention.
	WaitWithOutput(ctx context.Context) (*Output, error)
}

// ProcessSpawner launches a shell-interpreted command line.
type ProcessSpawner interface {
	// Spawn launches cmd via `sh -c cmd` (or an elevated equivalent) and
	// returns immediately with a handle to the running child.
	Spawn(ctx context.Context, cmd string) (Child, error)
}
