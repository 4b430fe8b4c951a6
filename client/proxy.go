package client

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"procxy/codec"
	"procxy/dedup"
	"procxy/errors"
	"procxy/session"
	"procxy/transport"
)

// State is the lifecycle state of a Proxy.
type State int32

const (
	Spawning State = iota
	Initializing
	Ready
	Terminating
	Terminated
)

var stateNames = [...]string{"spawning", "initializing", "ready", "terminating", "terminated"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Proxy forwards member access to an instance living in a worker process.
// Tracked properties are read-only mirrors updated by the worker.
type Proxy struct {
	key        string
	className  string
	modulePath string
	cache      *dedup.Cache[*Proxy]
	proc       *transport.Process
	sess       *session.Session
	log        zerolog.Logger

	state     atomic.Int32
	closeOnce sync.Once
}

func (p *Proxy) setState(s State) {
	old := State(p.state.Swap(int32(s)))
	if old != s {
		p.log.Debug().Stringer("from", old).Stringer("to", s).Msg("state change")
	}
}

// watch finishes the lifecycle when the session ends on its own, e.g. when
// the worker crashes.
func (p *Proxy) watch() {
	<-p.sess.Done()
	p.cache.Forget(p.key, p)
	if p.state.CompareAndSwap(int32(Ready), int32(Terminating)) {
		p.sess.Terminate(context.Background())
		p.setState(Terminated)
	}
}

// Call invokes member with args and returns the decoded result.
func (p *Proxy) Call(ctx context.Context, member string, args ...any) (any, error) {
	return p.sess.Call(ctx, member, args...)
}

// CallInto invokes member and decodes the result into out, which must be a
// non-nil pointer.
func (p *Proxy) CallInto(ctx context.Context, out any, member string, args ...any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.NewValidationError("out", fmt.Sprintf("must be a non-nil pointer, got %T", out))
	}
	v, err := p.Call(ctx, member, args...)
	if err != nil {
		return err
	}
	converted, err := codec.Convert(codec.ForMode(p.sess.Mode()), v, rv.Type().Elem())
	if err != nil {
		return fmt.Errorf("client: result of %s: %w", member, err)
	}
	rv.Elem().Set(converted)
	return nil
}

// Call invokes member on p and decodes the result as T.
func Call[T any](ctx context.Context, p *Proxy, member string, args ...any) (T, error) {
	var out T
	err := p.CallInto(ctx, &out, member, args...)
	return out, err
}

// Property returns the last value the worker reported for a tracked property.
func (p *Proxy) Property(name string) (any, bool) { return p.sess.Property(name) }

// Properties returns a snapshot of all mirrored properties.
func (p *Proxy) Properties() map[string]any { return p.sess.Properties() }

// FetchProperty reads a property from the worker instead of the mirror.
func (p *Proxy) FetchProperty(ctx context.Context, name string) (any, error) {
	return p.sess.FetchProperty(ctx, name)
}

// On registers an event listener and returns its remover.
func (p *Proxy) On(name string, fn func(args ...any)) func() { return p.sess.On(name, fn) }

// Once registers a listener for the next event called name.
func (p *Proxy) Once(name string, fn func(args ...any)) func() { return p.sess.Once(name, fn) }

// NewCallback registers fn for reuse across calls; release it when done.
func (p *Proxy) NewCallback(fn any) (*session.Callback, error) { return p.sess.NewCallback(fn) }

// SendHandle transfers a live file, connection or listener to the worker.
func (p *Proxy) SendHandle(ctx context.Context, h any) error { return p.sess.SendHandle(ctx, h) }

// Dispose starts termination without waiting for it.
func (p *Proxy) Dispose() {
	go p.Close(context.Background())
}

// Close disposes the instance and stops the worker. It is safe to call more
// than once and to defer; later calls wait for the first to finish or ctx.
func (p *Proxy) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.setState(Terminating)
		p.cache.Forget(p.key, p)
	})
	p.sess.Terminate(ctx)
	if p.sess.State() == session.Terminated {
		p.setState(Terminated)
	}
	return nil
}

// Process returns the worker process.
func (p *Proxy) Process() *os.Process { return p.proc.OS() }

// Pid returns the worker's process id.
func (p *Proxy) Pid() int { return p.proc.Pid() }

// State returns the lifecycle state.
func (p *Proxy) State() State { return State(p.state.Load()) }

// Key returns the dedup key the proxy is cached under.
func (p *Proxy) Key() string { return p.key }

// ClassName returns the registered class name of the instance.
func (p *Proxy) ClassName() string { return p.className }

// Err returns why the proxy terminated, or nil while it is usable.
func (p *Proxy) Err() error { return p.sess.Err() }

// Done is closed when the worker session ends.
func (p *Proxy) Done() <-chan struct{} { return p.sess.Done() }
