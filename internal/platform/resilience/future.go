package resilience

import (
	"context"
	"sync"
)

// Future is the caller's handle on a submitted request. It settles exactly
// once; every caller collapsed onto the same request shares one Future.
type Future struct {
	id    string
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

func newFuture(id string) *Future {
	return &Future{
		id:   id,
		done: make(chan struct{}),
	}
}

func rejectedFuture(err error) *Future {
	f := newFuture("")
	f.settle(nil, err)
	return f
}

// settle resolves or rejects the future. Later calls are ignored.
func (f *Future) settle(value any, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// ID returns the id of the request backing this future ("" if it was never queued).
func (f *Future) ID() string {
	return f.id
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the request settles or ctx is done. Giving up on the
// wait does not withdraw the request.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result blocks until the request settles.
func (f *Future) Result() (any, error) {
	<-f.done
	return f.value, f.err
}
