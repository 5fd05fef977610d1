package procmgr

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

// CLISpawner launches the configured agent CLI binary as a child process,
// speaking newline-delimited JSON on stdin/stdout — the same
// --output-format stream-json contract the teacher's single-session
// subprocess wrapper used, generalised to one spawn per Session row instead
// of one long-lived process per worktree.
type CLISpawner struct {
	// BinaryPath is the agent CLI executable (e.g. "claude", "codex").
	BinaryPath string
	// ExtraArgs are appended after the fixed streaming flags.
	ExtraArgs []string
}

func NewCLISpawner(binaryPath string, extraArgs ...string) *CLISpawner {
	return &CLISpawner{BinaryPath: binaryPath, ExtraArgs: extraArgs}
}

func (s *CLISpawner) Spawn(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
	args := append([]string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--permission-prompt-tool", "stdio",
	}, s.ExtraArgs...)

	cmd := exec.CommandContext(ctx, s.BinaryPath, args...)
	// Cancelling ctx sends SIGTERM rather than exec's default SIGKILL.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.Dir = sess.WorkDir
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "GOCLAW_SESSION_ID="+sess.ID, "GOCLAW_INITIAL_PROMPT="+prompt)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("start %s: %w", s.BinaryPath, err)
	}
	return cmd, stdin, stdout, nil
}
