package infra

import (
	"os"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/aminenidae/screentime-rewards/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// FindByName returns PIDs whose process name equals or contains pattern,
// case-insensitively. The current process is never returned.
func (pm *ProcessManagerImpl) FindByName(pattern string) ([]int, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}

	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	self := int32(os.Getpid())
	patternLower := strings.ToLower(pattern)

	var found []int
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.Name()
		if err != nil {
			continue // exited
		}
		if strings.EqualFold(name, pattern) || strings.Contains(strings.ToLower(name), patternLower) {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

// Kill terminates a process by PID using SIGKILL.
func (pm *ProcessManagerImpl) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence.
	return proc.Signal(syscall.Signal(0)) == nil
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)

// ProcessMemoryProbe reports the resident set size of the current process.
// The observer records it with every heartbeat so memory ceiling breaches
// show up in diagnostics.
type ProcessMemoryProbe struct {
	proc *process.Process
}

var _ domain.MemoryProbe = (*ProcessMemoryProbe)(nil)

// NewMemoryProbe creates a probe for the current process. If the process
// handle cannot be obtained the probe reports 0.
func NewMemoryProbe() *ProcessMemoryProbe {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &ProcessMemoryProbe{}
	}
	return &ProcessMemoryProbe{proc: p}
}

// MemoryUsageMB returns RSS in megabytes.
func (m *ProcessMemoryProbe) MemoryUsageMB() float64 {
	if m.proc == nil {
		return 0
	}
	info, err := m.proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / (1024 * 1024)
}
