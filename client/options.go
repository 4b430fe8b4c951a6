package client

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"procxy/codec"
	"procxy/dedup"
	"procxy/errors"
)

// Serialization modes.
const (
	ModeBasic    = codec.ModeBasic
	ModeExtended = codec.ModeExtended
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultRetries = 3

	// minInitTimeout is the floor for the init handshake.
	minInitTimeout = 10 * time.Second
)

// Options configures Create.
type Options struct {
	// Timeout bounds each call attempt and handle acknowledgment.
	Timeout time.Duration
	// Retries is how often a timed-out call is resent.
	Retries int
	// Env holds environment overrides for the worker.
	Env map[string]string
	// Dir is the worker's working directory.
	Dir string
	// Args are extra arguments for the worker executable.
	Args []string
	Mode codec.Mode
	// SupportHandles enables Proxy.SendHandle.
	SupportHandles bool
	// SanitizeOnFailure strips unserializable constructor arguments instead
	// of failing. Extended mode only.
	SanitizeOnFailure bool
	// InterleaveOutput passes worker stdout/stderr through unchanged.
	InterleaveOutput bool

	// ModulePath is the worker executable. Empty means the current one.
	ModulePath string
	Logger     *zerolog.Logger
	// Cache deduplicates creations. Nil means the package default.
	Cache    *Cache
	Resolver Resolver
}

// DefaultOptions returns the options Create starts from.
func DefaultOptions() Options {
	return Options{
		Timeout: DefaultTimeout,
		Retries: DefaultRetries,
		Mode:    ModeBasic,
	}
}

// Option modifies Options.
type Option func(*Options)

// WithOptions replaces all options with o. Later options still apply.
func WithOptions(o Options) Option {
	return func(opts *Options) { *opts = o }
}

func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

func WithRetries(n int) Option {
	return func(o *Options) { o.Retries = n }
}

// WithEnv sets one environment override.
func WithEnv(key, value string) Option {
	return func(o *Options) {
		env := make(map[string]string, len(o.Env)+1)
		for k, v := range o.Env {
			env[k] = v
		}
		env[key] = value
		o.Env = env
	}
}

func WithDir(dir string) Option {
	return func(o *Options) { o.Dir = dir }
}

func WithArgs(args ...string) Option {
	return func(o *Options) { o.Args = args }
}

func WithMode(m codec.Mode) Option {
	return func(o *Options) { o.Mode = m }
}

func WithHandles(enabled bool) Option {
	return func(o *Options) { o.SupportHandles = enabled }
}

func WithSanitizeOnFailure(enabled bool) Option {
	return func(o *Options) { o.SanitizeOnFailure = enabled }
}

func WithInterleaveOutput(enabled bool) Option {
	return func(o *Options) { o.InterleaveOutput = enabled }
}

func WithModulePath(path string) Option {
	return func(o *Options) { o.ModulePath = path }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = &l }
}

func WithCache(c *Cache) Option {
	return func(o *Options) { o.Cache = c }
}

func WithResolver(r Resolver) Option {
	return func(o *Options) { o.Resolver = r }
}

// Validate reports the first invalid option as a ValidationError.
func (o Options) Validate() error {
	if o.Timeout <= 0 {
		return errors.NewValidationError("timeout", fmt.Sprintf("must be positive, got %s", o.Timeout))
	}
	if o.Retries < 0 {
		return errors.NewValidationError("retries", fmt.Sprintf("must not be negative, got %d", o.Retries))
	}
	if !o.Mode.Valid() {
		return errors.NewValidationError("mode", fmt.Sprintf("must be %q or %q, got %q", ModeBasic, ModeExtended, o.Mode))
	}
	if o.SanitizeOnFailure && o.Mode != ModeExtended {
		return errors.NewValidationError("sanitizeOnFailure", "requires extended mode")
	}
	for k, v := range o.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return errors.NewValidationError("env", fmt.Sprintf("invalid variable name %q", k))
		}
		if strings.ContainsRune(v, 0) {
			return errors.NewValidationError("env", fmt.Sprintf("value of %s contains a NUL byte", k))
		}
	}
	for i, a := range o.Args {
		if strings.ContainsRune(a, 0) {
			return errors.NewValidationError("args", fmt.Sprintf("argument %d contains a NUL byte", i))
		}
	}
	if o.Dir != "" {
		info, err := os.Stat(o.Dir)
		if err != nil {
			return errors.NewValidationError("dir", fmt.Sprintf("%s does not exist", o.Dir))
		}
		if !info.IsDir() {
			return errors.NewValidationError("dir", fmt.Sprintf("%s is not a directory", o.Dir))
		}
	}
	return nil
}

func (o Options) isolation() dedup.Isolation {
	return dedup.Isolation{
		Env:            o.Env,
		Dir:            o.Dir,
		Args:           o.Args,
		Mode:           string(o.Mode),
		SupportHandles: o.SupportHandles,
		Sanitize:       o.SanitizeOnFailure,
	}
}

func (o Options) environ() []string {
	env := make([]string, 0, len(o.Env))
	for k, v := range o.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func (o Options) initTimeout() time.Duration {
	return max(o.Timeout, minInitTimeout)
}
