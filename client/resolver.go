package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"procxy/errors"
)

// Resolver turns a class reference and an optional explicit executable path
// into the worker executable and the registered class name.
type Resolver func(class any, explicitPath string) (modulePath, className string, err error)

// Named is a class reference that knows its registered name.
type Named interface {
	ClassName() string
}

// DefaultResolver accepts a class name or a Named value. Without an explicit
// path the current executable is used, which must call worker.Main.
func DefaultResolver(class any, explicitPath string) (string, string, error) {
	var name string
	switch c := class.(type) {
	case string:
		name = c
	case Named:
		name = c.ClassName()
	default:
		return "", "", &errors.ResolutionError{
			Class: fmt.Sprintf("%T", class),
			Err:   errors.New("class reference must be a name or implement ClassName() string"),
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", &errors.ResolutionError{Err: errors.New("empty class name")}
	}

	path := explicitPath
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", "", &errors.ResolutionError{Class: name, Err: err}
		}
		path = exe
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return "", "", &errors.ResolutionError{Class: name, Path: explicitPath, Err: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", "", &errors.ResolutionError{Class: name, Path: path, Err: err}
	}
	if info.IsDir() {
		return "", "", &errors.ResolutionError{Class: name, Path: path, Err: errors.New("is a directory")}
	}
	return path, name, nil
}
