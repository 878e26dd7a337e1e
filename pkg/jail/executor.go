// Package jail runs untrusted entrypoints inside an nsjail-confined child
// process.
//
// nsjail provides defense-in-depth by:
// - Running the child in a chroot of a minimal base filesystem image
// - Dropping privileges to a fixed unprivileged user/group
// - Enforcing wall-clock, address-space, and CPU-count limits
// - Bind-mounting only the per-execution work directory read-write
//
// The invoker layers its own supervision on top: the spawning wait is
// bounded by the jail's time limit plus a small slack, and if that outer
// bound fires the whole jail process group is killed. Under normal
// conditions the jail enforces the limit first and returns control cleanly.
package jail

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ahaops/sandboxd/pkg/config"
	"github.com/ahaops/sandboxd/pkg/domain"
)

// TimeoutDiagnostic is the stderr text reported when the outer supervisor
// has to kill a jail that failed to enforce its own limit.
const TimeoutDiagnostic = "Execution timed out (subprocess killed)"

// Executor translates an ExecutionRequest plus a prepared workspace into an
// nsjail invocation and captures the raw termination tuple.
type Executor struct {
	cfg config.JailConfig
	log *logrus.Entry
}

// NewExecutor creates a jail executor. The rootfs path is fixed for the
// lifetime of the process.
func NewExecutor(cfg config.JailConfig, log *logrus.Entry) *Executor {
	return &Executor{
		cfg: cfg,
		log: log.WithField("component", "jail"),
	}
}

// CheckPrerequisites verifies the host can run jailed executions: the jail
// binary resolves and the rootfs image is an existing directory. It does not
// check the workspace base directory. Used by the CLI preflight and at
// server startup.
func CheckPrerequisites(cfg config.JailConfig) error {
	if _, err := exec.LookPath(cfg.Binary); err != nil {
		return fmt.Errorf("%w: jail binary not found: %s", domain.ErrConfiguration, cfg.Binary)
	}
	if info, err := os.Stat(cfg.RootfsPath); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: rootfs not usable: %s", domain.ErrConfiguration, cfg.RootfsPath)
	}
	return nil
}

// Run spawns the jailed child and waits for its termination, bounded by the
// jail's own time limit plus the configured slack. The returned RawResult
// preserves the host's signed convention for signal deaths.
func (e *Executor) Run(ctx context.Context, workDir string, req domain.ExecutionRequest) (domain.RawResult, error) {
	limits := req.Limits.Normalize()

	binPath, err := exec.LookPath(e.cfg.Binary)
	if err != nil {
		return domain.RawResult{}, fmt.Errorf("%w: jail binary not found: %s", domain.ErrConfiguration, e.cfg.Binary)
	}

	argv := e.buildArgs(workDir, req.Entrypoint, limits, req.EnvVars)
	e.log.WithFields(logrus.Fields{
		"binary":  binPath,
		"timeout": limits.TimeoutS,
		"memory":  limits.MemoryMB,
		"cpus":    limits.MaxCores(),
	}).Debug("Spawning jailed child")

	cmd := exec.Command(binPath, argv...)
	// Only the caller-supplied env vars are injected via --env; the jail
	// process itself gets a scrubbed environment so nothing leaks through.
	cmd.Env = []string{}
	// Own process group so the outer supervisor can kill the jail and any
	// children it leaves behind in one shot.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return domain.RawResult{}, fmt.Errorf("%w: spawn failed: %v", domain.ErrExecution, err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	outerBound := time.Duration(limits.TimeoutS)*time.Second + e.cfg.WaitSlack.Duration
	outer := time.NewTimer(outerBound)
	defer outer.Stop()

	completed := func(waitErr error) (domain.RawResult, error) {
		durationMS := time.Since(start).Milliseconds()
		rawCode, err := rawExitCode(cmd.ProcessState, waitErr)
		if err != nil {
			return domain.RawResult{}, err
		}
		return domain.RawResult{
			ExitCode:   rawCode,
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
			DurationMS: durationMS,
		}, nil
	}

	select {
	case waitErr := <-waitCh:
		return completed(waitErr)

	case <-outer.C:
		// The jail failed to enforce its own limit; reap the whole group.
		e.log.WithField("bound", outerBound).Warn("Outer supervisor timeout, killing jail process group")
		killGroup(cmd)
		<-waitCh
		return domain.RawResult{
			ExitCode:     -1,
			Stdout:       "",
			Stderr:       TimeoutDiagnostic,
			DurationMS:   time.Since(start).Milliseconds(),
			OuterTimeout: true,
		}, nil

	case <-ctx.Done():
		// Cancellation racing normal termination is a no-op; otherwise the
		// child must not be leaked.
		select {
		case waitErr := <-waitCh:
			return completed(waitErr)
		default:
		}
		killGroup(cmd)
		<-waitCh
		return domain.RawResult{}, fmt.Errorf("%w: canceled: %v", domain.ErrExecution, ctx.Err())
	}
}

// buildArgs assembles the nsjail argv: one-shot mode, quiet diagnostics,
// chroot to the rootfs image, the work directory mounted at the fixed
// in-jail path and set as cwd, fixed unprivileged uid/gid, the jail's own
// wall-clock / address-space / CPU-count limits, caller env vars, and the
// shell command after the terminator.
func (e *Executor) buildArgs(workDir, entrypoint string, limits domain.ResourceLimits, envVars map[string]string) []string {
	args := []string{
		"--mode", "o",
		"--quiet",
		"--chroot", e.cfg.RootfsPath,
		"--bindmount", workDir + ":" + e.cfg.MountPoint,
		"--cwd", e.cfg.MountPoint,
		"--user", strconv.Itoa(e.cfg.UID),
		"--group", strconv.Itoa(e.cfg.GID),
		"--time_limit", strconv.Itoa(limits.TimeoutS),
		"--rlimit_as", strconv.Itoa(limits.MemoryMB),
		"--max_cpus", strconv.Itoa(limits.MaxCores()),
	}

	// Deterministic injection order.
	names := make([]string, 0, len(envVars))
	for name := range envVars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		args = append(args, "--env", name+"="+envVars[name])
	}

	args = append(args, "--", e.cfg.Shell, "-c", entrypoint)
	return args
}

// rawExitCode decodes a wait outcome into the host's native convention:
// the exit status for normal exits, the negative signal number for signal
// deaths.
func rawExitCode(state *os.ProcessState, waitErr error) (int, error) {
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return 0, fmt.Errorf("%w: wait failed: %v", domain.ErrExecution, waitErr)
		}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal()), nil
	}
	return state.ExitCode(), nil
}

// killGroup sends SIGKILL to the jail's process group, falling back to the
// process itself if the group is already gone.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}
