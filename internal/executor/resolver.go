package executor

import (
	"path/filepath"
	"strings"

	"github.com/dokzlo13/bulbd/internal/lighterr"
)

// Resolver maps a command name such as "turn_on_lights" to an invocation.
type Resolver interface {
	Resolve(name string) (Command, error)
}

// ScriptResolver resolves names to scripts in Dir, optionally run through an
// interpreter. With Interpreter "python3", Dir "scripts" and Extension ".py",
// "get_lights" becomes "python3 scripts/get_lights.py".
type ScriptResolver struct {
	Interpreter string
	Dir         string
	Extension   string
}

// ScriptPath returns the file a command name maps to.
func (r ScriptResolver) ScriptPath(name string) string {
	return filepath.Join(r.Dir, name+r.Extension)
}

// Resolve implements Resolver.
func (r ScriptResolver) Resolve(name string) (Command, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return Command{}, lighterr.InvalidInput("invalid command name %q", name)
	}

	script := r.ScriptPath(name)
	if r.Interpreter == "" {
		return Command{Path: script}, nil
	}
	return Command{Path: r.Interpreter, Args: []string{script}}, nil
}
