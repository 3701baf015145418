// Package launch starts the external test runner and wires it to a bridge.
package launch

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/zjrosen/testbridge/internal/log"
)

// ErrExecutableNotFound is returned when no interpreter candidate exists.
var ErrExecutableNotFound = errors.New("executable not found")

// DefaultPythonPaths are checked before PATH. Virtualenvs win over a system
// interpreter so the runner sees the project's packages.
var DefaultPythonPaths = []string{
	"$VIRTUAL_ENV/bin/{name}",
	"%VIRTUAL_ENV%\\Scripts\\{name}",
	".venv/bin/{name}",
	"venv/bin/{name}",
	".venv\\Scripts\\{name}",
}

var windowsEnvPattern = regexp.MustCompile(`%([^%]+)%`)

// FinderOption configures an InterpreterFinder.
type FinderOption func(*InterpreterFinder)

// InterpreterFinder resolves the interpreter that runs the test script.
// Candidates are checked in order: an environment override, the configured
// name if it is a path, known path templates, then PATH for the name and
// each fallback name.
type InterpreterFinder struct {
	name        string
	fallbacks   []string
	knownPaths  []string
	envOverride string
	goos        string

	statFn     func(string) (os.FileInfo, error)
	lookPathFn func(string) (string, error)
	userHomeFn func() (string, error)
	getenvFn   func(string) string
}

// NewInterpreterFinder creates a finder for name (e.g. "python").
func NewInterpreterFinder(name string, opts ...FinderOption) *InterpreterFinder {
	f := &InterpreterFinder{
		name:       name,
		goos:       runtime.GOOS,
		statFn:     os.Stat,
		lookPathFn: exec.LookPath,
		userHomeFn: os.UserHomeDir,
		getenvFn:   os.Getenv,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithKnownPaths sets path templates checked before PATH. Templates support
// {name}, a leading ~, $VAR, ${VAR} and %VAR%. A template that references an
// unset variable is skipped.
func WithKnownPaths(paths ...string) FinderOption {
	return func(f *InterpreterFinder) {
		f.knownPaths = paths
	}
}

// WithEnvOverride names an environment variable whose value, if it points
// at an executable, wins over every other candidate.
func WithEnvOverride(envVar string) FinderOption {
	return func(f *InterpreterFinder) {
		f.envOverride = envVar
	}
}

// WithFallbackNames sets names tried on PATH after the primary name
// (e.g. "python3" after "python").
func WithFallbackNames(names ...string) FinderOption {
	return func(f *InterpreterFinder) {
		f.fallbacks = names
	}
}

// PythonFinder returns a finder configured for a Python interpreter.
func PythonFinder(name, envOverride string) *InterpreterFinder {
	opts := []FinderOption{
		WithKnownPaths(DefaultPythonPaths...),
		WithEnvOverride(envOverride),
	}
	if name == "python" {
		opts = append(opts, WithFallbackNames("python3"))
	}
	return NewInterpreterFinder(name, opts...)
}

// Find returns the path of the first usable candidate.
func (f *InterpreterFinder) Find() (string, error) {
	var checked []string

	if f.envOverride != "" {
		if p := f.getenvFn(f.envOverride); p != "" {
			checked = append(checked, p+" (from $"+f.envOverride+")")
			if f.isValidExecutable(p) {
				log.Debug(log.CatLaunch, "Interpreter from env override", "path", p, "envVar", f.envOverride)
				return p, nil
			}
		}
	}

	if strings.ContainsAny(f.name, `/\`) {
		checked = append(checked, f.name)
		if f.isValidExecutable(f.name) {
			return f.name, nil
		}
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, strings.Join(checked, ", "))
	}

	for _, template := range f.knownPaths {
		if !f.templateApplies(template) {
			continue
		}
		p, err := f.expandPath(template)
		if err != nil {
			log.Debug(log.CatLaunch, "Skipping interpreter path", "template", template, "reason", err)
			continue
		}
		checked = append(checked, p)
		if f.isValidExecutable(p) {
			log.Debug(log.CatLaunch, "Interpreter from known path", "path", p)
			return p, nil
		}
	}

	for _, name := range append([]string{f.name}, f.fallbacks...) {
		if p, err := f.lookPathFn(f.platformName(name)); err == nil {
			log.Debug(log.CatLaunch, "Interpreter from PATH", "name", name, "path", p)
			return p, nil
		}
		checked = append(checked, name+" (PATH)")
	}

	return "", fmt.Errorf("%w: %s not found in %s", ErrExecutableNotFound, f.name, strings.Join(checked, ", "))
}

// templateApplies filters templates written for the other platform family.
func (f *InterpreterFinder) templateApplies(template string) bool {
	windowsStyle := strings.Contains(template, `\`)
	return windowsStyle == (f.goos == "windows")
}

func (f *InterpreterFinder) platformName(name string) string {
	if f.goos == "windows" && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name + ".exe"
	}
	return name
}

// expandPath resolves a template. It fails if the template uses an unset
// variable, so "$VIRTUAL_ENV/bin/python" never degrades to "/bin/python".
func (f *InterpreterFinder) expandPath(template string) (string, error) {
	p := strings.ReplaceAll(template, "{name}", f.platformName(f.name))

	if strings.HasPrefix(p, "~") {
		home, err := f.userHomeFn()
		if err != nil {
			return "", fmt.Errorf("cannot expand ~: %w", err)
		}
		p = home + p[1:]
	}

	var missing []string
	lookup := func(name string) string {
		v := f.getenvFn(name)
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}

	if f.goos == "windows" {
		p = windowsEnvPattern.ReplaceAllStringFunc(p, func(match string) string {
			return lookup(match[1 : len(match)-1])
		})
	}
	p = os.Expand(p, lookup)

	if len(missing) > 0 {
		return "", fmt.Errorf("unset variable %s", strings.Join(missing, ", "))
	}
	return filepath.Clean(p), nil
}

func (f *InterpreterFinder) isValidExecutable(p string) bool {
	info, err := f.statFn(p)
	if err != nil || info.IsDir() {
		return false
	}
	return f.isExecutable(info)
}

// isExecutable checks the execute bits, or the .exe suffix on Windows.
func (f *InterpreterFinder) isExecutable(info os.FileInfo) bool {
	if f.goos == "windows" {
		return strings.HasSuffix(strings.ToLower(info.Name()), ".exe")
	}
	return info.Mode().Perm()&0o111 != 0
}
