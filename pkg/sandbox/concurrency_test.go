package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ahaops/sandboxd/pkg/domain"
)

// TestCoordinator_AdmissionControl verifies the concurrency cap: with a slow
// fake jail and far more requests than slots, the number of simultaneously
// executing pipelines must never exceed max_concurrent.
func TestCoordinator_AdmissionControl(t *testing.T) {
	const maxConcurrent = 5
	const requests = 30

	var inFlight, peak int64
	exec := &fakeExecutor{run: func(ctx context.Context, workDir string, req domain.ExecutionRequest) (domain.RawResult, error) {
		current := atomic.AddInt64(&inFlight, 1)
		for {
			observed := atomic.LoadInt64(&peak)
			if current <= observed || atomic.CompareAndSwapInt64(&peak, observed, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return domain.RawResult{ExitCode: 0}, nil
	}}

	coord, base := newTestCoordinator(t, maxConcurrent, exec)

	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := coord.Run(context.Background(), echoRequest())
			if result.Status != domain.StatusSuccess {
				t.Errorf("status = %q, want success", result.Status)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > maxConcurrent {
		t.Errorf("peak concurrency = %d, cap is %d", got, maxConcurrent)
	}
	if !baseDirEmpty(t, base) {
		t.Error("workspaces leaked after concurrent runs")
	}
}

// Concurrent executions must not share workspace directories.
func TestCoordinator_DisjointWorkspaces(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}

	exec := &fakeExecutor{run: func(ctx context.Context, workDir string, req domain.ExecutionRequest) (domain.RawResult, error) {
		mu.Lock()
		dup := seen[workDir]
		seen[workDir] = true
		mu.Unlock()
		if dup {
			t.Errorf("workspace %q reused", workDir)
		}
		time.Sleep(5 * time.Millisecond)
		return domain.RawResult{ExitCode: 0}, nil
	}}

	coord, _ := newTestCoordinator(t, 8, exec)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = coord.Run(context.Background(), echoRequest())
		}()
	}
	wg.Wait()

	if len(seen) != 16 {
		t.Errorf("distinct workspaces = %d, want 16", len(seen))
	}
}
