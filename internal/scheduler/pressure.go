package scheduler

import (
	"context"
	"log/slog"
	"os"
	"runtime"
)

const mib = 1 << 20

type PressureLimits struct {
	MemoryLimitMB       int
	MaxFileDescriptors  int
	FileDescriptorRatio float64
}

// Pressure samples process resources and asks the queue for a purge when
// they run high. Check is meant to run under Every.
type Pressure struct {
	queue  *OperationQueue
	limits PressureLimits
	log    *slog.Logger

	heapBytes func() uint64
	openFDs   func() (int, error)
}

func NewPressure(q *OperationQueue, limits PressureLimits, log *slog.Logger) *Pressure {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pressure{
		queue:     q,
		limits:    limits,
		log:       log.With("component", "pressure"),
		heapBytes: heapInUse,
		openFDs:   countOpenFDs,
	}
}

// Check samples once. Memory is checked before file descriptors; at most
// one purge is requested per sample.
func (p *Pressure) Check(context.Context) error {
	if p.limits.MemoryLimitMB > 0 {
		if heap := p.heapBytes(); heap > uint64(p.limits.MemoryLimitMB)*mib {
			p.request(Parameter{Source: PurgeMemoryWarning}, "heap_mb", heap/mib)
			return nil
		}
	}
	if p.limits.MaxFileDescriptors <= 0 {
		return nil
	}
	n, err := p.openFDs()
	if err != nil {
		// Not every platform exposes the descriptor table.
		p.log.Debug("cannot count file descriptors", "error", err)
		return nil
	}
	warnAt := int(float64(p.limits.MaxFileDescriptors) * p.limits.FileDescriptorRatio)
	switch {
	case n >= p.limits.MaxFileDescriptors:
		p.request(Parameter{Source: PurgeOutOfFileDescriptors, FileDescriptors: n}, "fds", n)
	case warnAt > 0 && n >= warnAt:
		p.request(Parameter{Source: PurgeFileDescriptorsWarning, FileDescriptors: n}, "fds", n)
	}
	return nil
}

func (p *Pressure) request(param Parameter, key string, value any) {
	if p.queue.AsyncPurge(param) {
		p.log.Warn("resource pressure, purge scheduled", "source", param.Source.String(), key, value)
	}
}

func heapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse
}

func countOpenFDs() (int, error) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
