// Package workerutil provides the embeddable goroutine-lifecycle primitive
// used by every long-running component in this module (Writer, Reader,
// Socket). It reproduces the embed-and-Go/Halt/HaltCh shape the teacher
// codebase uses throughout its connection-management code (see e.g.
// `worker.Worker` embedded in `connection` and spawned with
// `c.Go(c.connectWorker)`, with shutdown driven by a `select` on
// `c.HaltCh()`), translated into a self-contained Go type since the
// defining package itself was not part of the retrieved source.
package workerutil

import "sync"

// Worker tracks a set of goroutines spawned via Go and lets a caller signal
// them all to stop (HaltCh) and wait for them to finish (Halt). The zero
// value is ready to use.
type Worker struct {
	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
	wg       sync.WaitGroup
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// Go spawns fn in a new goroutine tracked by the worker. Halt will block
// until every goroutine spawned this way has returned.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// HaltCh returns the channel that is closed when Halt is first called.
// Long-running goroutines select on it to notice shutdown requests.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltCh
}

// Halt closes HaltCh (idempotently) and waits for every goroutine spawned
// with Go to return.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.wg.Wait()
}
