// Package delegate bridges single-shot, delegate-driven requests into streams.
//
// A request reports its outcome to one delegate slot. Install puts a Proxy
// into that slot; the proxy turns callbacks into stream events and then
// forwards each callback to whatever delegate occupied the slot before, so
// an externally assigned delegate keeps working while the request is
// observed.
package delegate

import (
	"sync"

	"github.com/JakeFAU/storebridge/internal/stream"
)

// Delegate receives the values of a request. It is the only required
// callback; finishing and failure are optional capabilities.
type Delegate[T any] interface {
	OnValue(value T)
}

// Finisher is implemented by delegates that want the success notification.
type Finisher interface {
	OnFinished()
}

// Failer is implemented by delegates that want the failure notification.
type Failer interface {
	OnFailed(err error)
}

// Request is a single asynchronous operation with one delegate slot.
type Request[T any] interface {
	Delegate() Delegate[T]
	SetDelegate(d Delegate[T])
	Start()
	Cancel()
}

type proxyMarker interface {
	isDelegateProxy()
}

// IsProxy reports whether d was installed by this package.
func IsProxy(d any) bool {
	_, ok := d.(proxyMarker)
	return ok
}

// Proxy translates request callbacks into sink events and forwards them to
// the request's previous delegate. Proxies are never chained: when the
// previous delegate is itself a Proxy, nothing is forwarded.
type Proxy[T any] struct {
	mu      sync.RWMutex
	sink    stream.Sink[T]
	forward Delegate[T]
}

func newProxy[T any](sink stream.Sink[T], prior Delegate[T]) *Proxy[T] {
	p := &Proxy[T]{sink: sink}
	if prior != nil && !IsProxy(prior) {
		p.forward = prior
	}
	return p
}

func (*Proxy[T]) isDelegateProxy() {}

// Forward returns the delegate callbacks are forwarded to, or nil.
func (p *Proxy[T]) Forward() Delegate[T] {
	return p.forward
}

// OnValue emits value, then forwards it.
func (p *Proxy[T]) OnValue(value T) {
	if sink := p.target(); sink != nil {
		sink.Emit(value)
	}
	if p.forward != nil {
		p.forward.OnValue(value)
	}
}

// OnFinished completes the stream, then forwards when the previous delegate
// implements Finisher.
func (p *Proxy[T]) OnFinished() {
	if sink := p.target(); sink != nil {
		sink.Complete()
	}
	if f, ok := p.forward.(Finisher); ok {
		f.OnFinished()
	}
}

// OnFailed fails the stream with err unchanged, then forwards when the
// previous delegate implements Failer.
func (p *Proxy[T]) OnFailed(err error) {
	if sink := p.target(); sink != nil {
		sink.Fail(err)
	}
	if f, ok := p.forward.(Failer); ok {
		f.OnFailed(err)
	}
}

func (p *Proxy[T]) target() stream.Sink[T] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sink
}

func (p *Proxy[T]) detach() {
	p.mu.Lock()
	p.sink = nil
	p.mu.Unlock()
}

// Install reads req's current delegate, replaces it with a proxy that drives
// sink, and returns the proxy.
func Install[T any](req Request[T], sink stream.Sink[T]) *Proxy[T] {
	p := newProxy(sink, req.Delegate())
	req.SetDelegate(p)
	return p
}
