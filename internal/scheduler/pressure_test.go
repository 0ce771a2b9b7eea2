package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"dbcore-engine/internal/timedqueue"
)

func TestPressure_Sources(t *testing.T) {
	tests := []struct {
		name  string
		heap  uint64
		fds   int
		fdErr error
		want  PurgeSource
	}{
		{name: "calm", heap: 10 * mib, fds: 10},
		{name: "memory", heap: 200 * mib, fds: 10, want: PurgeMemoryWarning},
		{name: "memory wins", heap: 200 * mib, fds: 100, want: PurgeMemoryWarning},
		{name: "fd warning", heap: 10 * mib, fds: 80, want: PurgeFileDescriptorsWarning},
		{name: "fd exhausted", heap: 10 * mib, fds: 100, want: PurgeOutOfFileDescriptors},
		{name: "fd unknown", heap: 10 * mib, fdErr: errors.New("no procfs")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewOperationQueue(newFakeEvent(), DefaultTiming(), nil,
				timedqueue.WithExitSignal(func() bool { return false }))
			p := NewPressure(q, PressureLimits{MemoryLimitMB: 100, MaxFileDescriptors: 100, FileDescriptorRatio: 0.8}, nil)
			p.heapBytes = func() uint64 { return tt.heap }
			p.openFDs = func() (int, error) { return tt.fds, tt.fdErr }

			if err := p.Check(context.Background()); err != nil {
				t.Fatal(err)
			}
			_, param, ok := q.Pending(Operation{Type: OpPurge})
			if tt.want == 0 {
				if ok {
					t.Fatalf("unexpected purge from %s", param.Source)
				}
				return
			}
			if !ok || param.Source != tt.want {
				t.Fatalf("purge: ok=%v source=%s want %s", ok, param.Source, tt.want)
			}
		})
	}
}

func TestPressure_RealSamplers(t *testing.T) {
	if heapInUse() == 0 {
		t.Fatal("heap in use should be positive")
	}
	if _, err := countOpenFDs(); err != nil {
		t.Skipf("descriptor table unavailable: %v", err)
	}
}

func TestEvery_RunsImmediatelyThenTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runs := make(chan struct{}, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Every(ctx, nil, 10*time.Millisecond, "test", func(context.Context) error {
			runs <- struct{}{}
			return errors.New("logged and ignored")
		})
	}()
	for i := 0; i < 3; i++ {
		select {
		case <-runs:
		case <-time.After(time.Second):
			t.Fatalf("run %d did not happen", i)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Every did not return after cancel")
	}
}
