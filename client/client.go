// Package client creates worker-backed instances and hands out Proxy values
// that forward calls to them.
//
//	p, err := client.Create(ctx, "Calculator", nil, client.WithTimeout(5*time.Second))
//	if err != nil { ... }
//	defer p.Close(context.Background())
//
//	sum, err := client.Call[int](ctx, p, "Add", 5, 7)
//
// Identical creations (same class, executable, constructor arguments and
// isolation options) share one worker through a Cache.
package client

import (
	"context"
	"fmt"
	"io/fs"

	"procxy/dedup"
	"procxy/errors"
	"procxy/logging"
	"procxy/session"
	"procxy/transport"
	"procxy/validate"
)

// Cache deduplicates creations and keeps ready proxies for reuse.
type Cache = dedup.Cache[*Proxy]

// NewCache creates a Cache. Proxies that are no longer ready are never
// returned from it.
func NewCache(opts ...dedup.Option) *Cache {
	return dedup.New(func(p *Proxy) bool { return p.State() == Ready }, opts...)
}

var defaultCache = NewCache()

// DefaultCache returns the cache used when Options.Cache is nil.
func DefaultCache() *Cache { return defaultCache }

// Create starts (or reuses) a worker hosting an instance of class constructed
// with args and returns a ready Proxy.
//
// Options are checked before anything is spawned. The worker must answer the
// init handshake within max(Timeout, 10s).
func Create(ctx context.Context, class any, args []any, opts ...Option) (*Proxy, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	resolve := o.Resolver
	if resolve == nil {
		resolve = DefaultResolver
	}
	modulePath, className, err := resolve(class, o.ModulePath)
	if err != nil {
		return nil, err
	}

	args, err = prepareArgs(args, o)
	if err != nil {
		return nil, err
	}

	cache := o.Cache
	if cache == nil {
		cache = defaultCache
	}
	key := dedup.Key(className, modulePath, o.isolation(), args)
	return cache.Acquire(ctx, key, func(ctx context.Context) (*Proxy, error) {
		return spawn(ctx, key, modulePath, className, args, o, cache)
	})
}

// prepareArgs validates constructor arguments, sanitizing them once when the
// options allow it.
func prepareArgs(args []any, o Options) ([]any, error) {
	vopts := validate.Options{Mode: o.Mode}
	err := validate.Args(args, vopts)
	if err == nil || !o.SanitizeOnFailure {
		return args, err
	}
	sanitized := make([]any, len(args))
	for i, a := range args {
		sanitized[i] = validate.Sanitize(a)
	}
	if err := validate.Args(sanitized, vopts); err != nil {
		return nil, err
	}
	return sanitized, nil
}

func spawn(ctx context.Context, key, modulePath, className string, args []any, o Options, cache *Cache) (*Proxy, error) {
	log := logging.For("procxy")
	if o.Logger != nil {
		log = *o.Logger
	}
	log = log.With().Str("class", className).Logger()

	p := &Proxy{key: key, className: className, modulePath: modulePath, cache: cache, log: log}
	p.state.Store(int32(Spawning))

	proc, err := transport.Spawn(transport.SpawnConfig{
		Path:             modulePath,
		Args:             o.Args,
		Env:              o.environ(),
		Dir:              o.Dir,
		InterleaveOutput: o.InterleaveOutput,
		Logger:           log,
	})
	if err != nil {
		p.state.Store(int32(Terminated))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &errors.ResolutionError{Class: className, Path: modulePath, Err: err}
		}
		return nil, fmt.Errorf("client: spawn %s: %w", className, err)
	}
	log = log.With().Int("pid", proc.Pid()).Logger()
	p.proc = proc
	p.log = log
	p.sess = session.New(session.Config{
		Conn:           proc.Conn(),
		Process:        proc,
		Mode:           o.Mode,
		Timeout:        o.Timeout,
		Retries:        o.Retries,
		SupportHandles: o.SupportHandles,
		Logger:         &log,
	})
	p.setState(Initializing)

	initCtx, cancel := context.WithTimeout(ctx, o.initTimeout())
	defer cancel()
	if err := p.sess.Init(initCtx, modulePath, className, args); err != nil {
		p.setState(Terminating)
		p.sess.Terminate(context.WithoutCancel(ctx))
		p.setState(Terminated)
		return nil, initError(err, className, modulePath, o)
	}

	p.setState(Ready)
	go p.watch()
	return p, nil
}

func initError(err error, className, modulePath string, o Options) error {
	var remote *errors.RemoteError
	if errors.As(err, &remote) && remote.Name == errors.NameResolutionError {
		return &errors.ResolutionError{Class: className, Path: modulePath, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("client: %s did not initialize within %s: %w", className, o.initTimeout(), err)
	}
	return err
}
