package spawner

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// SuSpawner elevates every spawned command via `su -c <cmd>`, piping the
// root password on stdin. Grounded on original_source's SuShellSpawner;
// the ROOT_PWD environment variable spec.md section 6 names as
// "consumed by the elevation-based Process Spawners during test" is read
// by the caller, not by this type, which only ever takes a password
// value.
type SuSpawner struct {
	Password string
}

func NewSuSpawner(password string) *SuSpawner {
	return &SuSpawner{Password: password}
}

func (s *SuSpawner) Spawn(ctx context.Context, cmd string) (Child, error) {
	c := exec.CommandContext(ctx, "su", "-c", cmd)
	return spawnWithPassword(c, s.Password)
}

// SudoSpawner elevates via `sudo -S sh -c <cmd>`, piping the password on stdin
// for the "-S" (read password from stdin) flag. Grounded on
// original_source's SudoShellSpawner.
type SudoSpawner struct {
	Password string
}

func NewSudoSpawner(password string) *SudoSpawner {
	return &SudoSpawner{Password: password}
}

func (s *SudoSpawner) Spawn(ctx context.Context, cmd string) (Child, error) {
	c := exec.CommandContext(ctx, "sudo", "-S", "sh", "-c", cmd)
	return spawnWithPassword(c, s.Password)
}

func spawnWithPassword(c *exec.Cmd, password string) (Child, error) {
	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawner: acquiring stdin pipe: %w", err)
	}

	out := &Output{}
	c.Stdout = &out.Stdout
	c.Stderr = &out.Stderr

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("spawner: starting elevated command: %w", err)
	}

	if _, err := io.WriteString(stdin, password+"\n"); err != nil {
		_ = c.Process.Kill()
		return nil, fmt.Errorf("spawner: writing password: %w", err)
	}
	_ = stdin.Close()

	return &cmdChild{cmd: c, out: out}, nil
}
