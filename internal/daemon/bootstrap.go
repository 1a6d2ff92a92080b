package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// detachedEnv marks a re-executed child so it does not detach again.
const detachedEnv = "SCREENLEDGER_DETACHED"

// IsDetachedChild reports whether this process was started by StartDetached.
func IsDetachedChild() bool {
	return os.Getenv(detachedEnv) == "1"
}

// detachedCommand builds the self-exec command for args.
func detachedCommand(executable string, args []string) *exec.Cmd {
	cmd := exec.Command(executable, args...)

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	// No stdin/stdout/stderr - fully detached
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = append(os.Environ(), detachedEnv+"=1")
	return cmd
}

// StartDetached re-executes the current binary with args in a new session
// and returns the child PID. Used by "serve --detach".
func StartDetached(args []string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to resolve executable: %w", err)
	}

	cmd := detachedCommand(executable, args)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start detached process: %w", err)
	}
	pid := cmd.Process.Pid
	// The child outlives us; release it instead of waiting.
	_ = cmd.Process.Release()
	return pid, nil
}
