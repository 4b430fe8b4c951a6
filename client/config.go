package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"procxy/codec"
)

// fileOptions maps the keys of an options TOML file.
type fileOptions struct {
	Timeout           string            `toml:"timeout"`
	TimeoutMS         int64             `toml:"timeout_ms"`
	Retries           int               `toml:"retries"`
	Mode              string            `toml:"mode"`
	Dir               string            `toml:"dir"`
	Args              []string          `toml:"args"`
	Env               map[string]string `toml:"env"`
	ModulePath        string            `toml:"module_path"`
	SupportHandles    bool              `toml:"support_handles"`
	SanitizeOnFailure bool              `toml:"sanitize_on_failure"`
	InterleaveOutput  bool              `toml:"interleave_output"`
}

// LoadOptions reads option defaults from a TOML file. Keys missing from the
// file keep their DefaultOptions value. The result is validated.
//
//	timeout = "5s"
//	retries = 1
//	mode = "extended"
//
//	[env]
//	LOG_LEVEL = "debug"
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	var raw fileOptions
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Options{}, fmt.Errorf("load procxy options: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Options{}, fmt.Errorf("load procxy options: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return Options{}, fmt.Errorf("parse timeout: %w", err)
		}
		opts.Timeout = d
	}
	if meta.IsDefined("timeout_ms") {
		opts.Timeout = time.Duration(raw.TimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("retries") {
		opts.Retries = raw.Retries
	}
	if meta.IsDefined("mode") {
		opts.Mode = codec.Mode(strings.ToLower(strings.TrimSpace(raw.Mode)))
	}
	if meta.IsDefined("dir") {
		opts.Dir = strings.TrimSpace(raw.Dir)
	}
	if meta.IsDefined("args") {
		opts.Args = raw.Args
	}
	if meta.IsDefined("env") {
		opts.Env = raw.Env
	}
	if meta.IsDefined("module_path") {
		opts.ModulePath = strings.TrimSpace(raw.ModulePath)
	}
	if meta.IsDefined("support_handles") {
		opts.SupportHandles = raw.SupportHandles
	}
	if meta.IsDefined("sanitize_on_failure") {
		opts.SanitizeOnFailure = raw.SanitizeOnFailure
	}
	if meta.IsDefined("interleave_output") {
		opts.InterleaveOutput = raw.InterleaveOutput
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}
