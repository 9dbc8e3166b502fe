package spawner

import (
	"context"
	"os/exec"
)

// SameUserSpawner runs commands as the orchestrator's own user via
// `<shellPath> -c <cmd>`. Grounded on original_source's
// SameUserShellSpawner.
type SameUserSpawner struct {
	ShellPath string
}

// NewSameUserSpawner returns a SameUserSpawner using shellPath (typically
// the result of exec.LookPath("sh")).
func NewSameUserSpawner(shellPath string) *SameUserSpawner {
	return &SameUserSpawner{ShellPath: shellPath}
}

func (s *SameUserSpawner) Spawn(ctx context.Context, cmd string) (Child, error) {
	c := exec.CommandContext(ctx, s.ShellPath, "-c", cmd)
	out := &Output{}
	c.Stdout = &out.Stdout
	c.Stderr = &out.Stderr
	if err := c.Start(); err != nil {
		return nil, err
	}
	return &cmdChild{cmd: c, out: out}, nil
}

type cmdChild struct {
	cmd *exec.Cmd
	out *Output
}

func (c *cmdChild) WaitWithOutput(ctx context.Context) (*Output, error) {
	errCh := make(chan error, 1)
	go func() { errCh <- c.cmd.Wait() }()

	select {
	case err := <-errCh:
		return c.out, err
	case <-ctx.Done():
		_ = c.cmd.Process.Kill()
		<-errCh
		return c.out, ctx.Err()
	}
}
