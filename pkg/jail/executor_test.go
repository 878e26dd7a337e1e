package jail

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahaops/sandboxd/pkg/config"
	"github.com/ahaops/sandboxd/pkg/domain"
)

func testExecutor() *Executor {
	cfg := config.Default().Jail
	return NewExecutor(cfg, logrus.NewEntry(logrus.New()))
}

func TestBuildArgs(t *testing.T) {
	e := testExecutor()

	limits := domain.ResourceLimits{TimeoutS: 10, MemoryMB: 256, CPUs: 0.5}
	args := e.buildArgs("/tmp/sandbox/abc/work", "python main.py", limits, map[string]string{
		"ZED":  "last",
		"HOME": "/app",
	})

	want := []string{
		"--mode", "o",
		"--quiet",
		"--chroot", "/opt/sandbox-rootfs",
		"--bindmount", "/tmp/sandbox/abc/work:/app",
		"--cwd", "/app",
		"--user", "9999",
		"--group", "9999",
		"--time_limit", "10",
		"--rlimit_as", "256",
		"--max_cpus", "1",
		"--env", "HOME=/app",
		"--env", "ZED=last",
		"--", "/bin/bash", "-c", "python main.py",
	}

	if !reflect.DeepEqual(args, want) {
		t.Errorf("buildArgs mismatch\n got %q\nwant %q", args, want)
	}
}

func TestBuildArgs_FractionalCPUsFloored(t *testing.T) {
	e := testExecutor()

	tests := []struct {
		cpus float64
		want string
	}{
		{0.5, "1"},
		{1.0, "1"},
		{2.7, "2"},
		{4.0, "4"},
	}

	for _, tt := range tests {
		limits := domain.ResourceLimits{TimeoutS: 5, MemoryMB: 128, CPUs: tt.cpus}
		args := e.buildArgs("/w", "true", limits, nil)
		found := ""
		for i := 0; i < len(args)-1; i++ {
			if args[i] == "--max_cpus" {
				found = args[i+1]
			}
		}
		if found != tt.want {
			t.Errorf("cpus %g: --max_cpus = %q, want %q", tt.cpus, found, tt.want)
		}
	}
}

func TestRun_MissingBinary(t *testing.T) {
	cfg := config.Default().Jail
	cfg.Binary = "definitely-not-a-real-jail-binary"
	e := NewExecutor(cfg, logrus.NewEntry(logrus.New()))

	_, err := e.Run(context.Background(), t.TempDir(), domain.ExecutionRequest{Entrypoint: "true"})
	if err == nil {
		t.Fatal("Run succeeded with missing binary")
	}
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("error = %v, want ErrConfiguration", err)
	}
}

func TestCheckPrerequisites(t *testing.T) {
	cfg := config.Default().Jail
	cfg.Binary = "sh" // something guaranteed on PATH
	cfg.RootfsPath = t.TempDir()

	if err := CheckPrerequisites(cfg); err != nil {
		t.Errorf("CheckPrerequisites failed on sane config: %v", err)
	}

	cfg.RootfsPath = "/does/not/exist"
	if err := CheckPrerequisites(cfg); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("missing rootfs error = %v, want ErrConfiguration", err)
	}

	cfg = config.Default().Jail
	cfg.Binary = "definitely-not-a-real-jail-binary"
	if err := CheckPrerequisites(cfg); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("missing binary error = %v, want ErrConfiguration", err)
	}
}

// fakeJail writes an executable script that stands in for nsjail, so the
// spawn/supervise path can be exercised on hosts without the real binary.
func fakeJail(t *testing.T, script string) config.JailConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakejail")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default().Jail
	cfg.Binary = path
	return cfg
}

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	cfg := fakeJail(t, "echo out\necho err >&2\nexit 7")
	e := NewExecutor(cfg, logrus.NewEntry(logrus.New()))

	raw, err := e.Run(context.Background(), t.TempDir(), domain.ExecutionRequest{
		Entrypoint: "unused",
		Limits:     domain.ResourceLimits{TimeoutS: 5, MemoryMB: 128, CPUs: 1},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if raw.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", raw.ExitCode)
	}
	if raw.Stdout != "out\n" {
		t.Errorf("Stdout = %q", raw.Stdout)
	}
	if raw.Stderr != "err\n" {
		t.Errorf("Stderr = %q", raw.Stderr)
	}
	if raw.OuterTimeout {
		t.Error("OuterTimeout set on clean completion")
	}
	if raw.DurationMS < 0 {
		t.Errorf("DurationMS = %d", raw.DurationMS)
	}
}

func TestRun_OuterSupervisorKillsHungJail(t *testing.T) {
	cfg := fakeJail(t, "sleep 30")
	cfg.WaitSlack = config.Duration{Duration: 100 * time.Millisecond}
	e := NewExecutor(cfg, logrus.NewEntry(logrus.New()))

	start := time.Now()
	raw, err := e.Run(context.Background(), t.TempDir(), domain.ExecutionRequest{
		Entrypoint: "unused",
		Limits:     domain.ResourceLimits{TimeoutS: 1, MemoryMB: 128, CPUs: 1},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !raw.OuterTimeout {
		t.Error("OuterTimeout not set")
	}
	if raw.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1 sentinel", raw.ExitCode)
	}
	if raw.Stderr != TimeoutDiagnostic {
		t.Errorf("Stderr = %q, want fixed diagnostic", raw.Stderr)
	}
	if raw.Stdout != "" {
		t.Errorf("Stdout = %q, want empty", raw.Stdout)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("supervisor took %s to fire", elapsed)
	}
}

func TestRun_CancellationKillsChild(t *testing.T) {
	cfg := fakeJail(t, "sleep 30")
	e := NewExecutor(cfg, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Run(ctx, t.TempDir(), domain.ExecutionRequest{
		Entrypoint: "unused",
		Limits:     domain.ResourceLimits{TimeoutS: 30, MemoryMB: 128, CPUs: 1},
	})
	if err == nil {
		t.Fatal("Run succeeded after cancellation")
	}
	if !errors.Is(err, domain.ErrExecution) {
		t.Errorf("error = %v, want ErrExecution", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %s, child likely leaked", elapsed)
	}
}

// rawExitCode must preserve the host's signed convention: positive status
// for normal exits, negative signal number for signal deaths.
func TestRawExitCode(t *testing.T) {
	run := func(script string) (*exec.Cmd, error) {
		cmd := exec.Command("/bin/sh", "-c", script)
		err := cmd.Run()
		return cmd, err
	}

	cmd, err := run("exit 0")
	code, cerr := rawExitCode(cmd.ProcessState, err)
	if cerr != nil || code != 0 {
		t.Errorf("exit 0: code = %d, err = %v", code, cerr)
	}

	cmd, err = run("exit 3")
	code, cerr = rawExitCode(cmd.ProcessState, err)
	if cerr != nil || code != 3 {
		t.Errorf("exit 3: code = %d, err = %v", code, cerr)
	}

	cmd, err = run("kill -9 $$")
	code, cerr = rawExitCode(cmd.ProcessState, err)
	if cerr != nil || code != -9 {
		t.Errorf("kill -9: code = %d, err = %v", code, cerr)
	}

	cmd, err = run("kill -TERM $$")
	code, cerr = rawExitCode(cmd.ProcessState, err)
	if cerr != nil || code != -15 {
		t.Errorf("kill -TERM: code = %d, err = %v", code, cerr)
	}
}
