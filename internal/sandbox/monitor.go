package sandbox

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// errMemoryCeiling is the cancellation cause recorded when an execution
// breaches its memory ceiling. classify translates it into a LimitError.
var errMemoryCeiling = errors.New("memory ceiling exceeded")

// memSampleInterval is how often the watch samples heap usage. Cancellation
// takes effect at the interpreter's next context check, so breaches are
// caught within roughly one interval.
const memSampleInterval = 5 * time.Millisecond

// memWatch samples heap growth for the duration of one execution and cancels
// it when the growth exceeds the state's memory ceiling. gopher-lua has no
// per-state allocator, so the ceiling is enforced against observed heap
// growth since the execution started. The measure is process-wide and
// therefore conservative under concurrent states: a breach anywhere trips the
// execution that is over budget soonest.
type memWatch struct {
	limit  int64
	base   uint64
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// startMemWatch begins sampling. Returns nil when no ceiling is configured;
// stop is safe to call on a nil watch.
func startMemWatch(limit int64, cancel context.CancelCauseFunc) *memWatch {
	if limit <= 0 {
		return nil
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	w := &memWatch{
		limit:  limit,
		base:   ms.HeapAlloc,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *memWatch) loop() {
	ticker := time.NewTicker(memSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > w.base && int64(ms.HeapAlloc-w.base) > w.limit {
				w.cancel(errMemoryCeiling)
				return
			}
		}
	}
}

func (w *memWatch) stop() {
	if w != nil {
		close(w.done)
	}
}
