// Package shell builds typed commands and renders them into quoted shell lines.
package shell

import (
	"os"
	"sort"
	"strings"

	"github.com/alessio/shellescape"
)

// Command is a single program invocation with explicit parameters.
type Command struct {
	// Program is the executable, looked up on the remote PATH when not absolute.
	Program string
	Args    []string
	// Dir is the working directory; empty keeps the login directory.
	Dir string
	// Env holds variables exported only for this invocation.
	Env map[string]string
}

// New returns a command for program with args.
func New(program string, args ...string) Command {
	return Command{Program: program, Args: args}
}

// In returns a copy of c running in dir.
func (c Command) In(dir string) Command {
	c.Dir = dir
	return c
}

// WithEnv returns a copy of c with key exported as value.
func (c Command) WithEnv(key, value string) Command {
	env := make(map[string]string, len(c.Env)+1)
	for k, v := range c.Env {
		env[k] = v
	}
	env[key] = value
	c.Env = env
	return c
}

// Argv returns program followed by its arguments.
func (c Command) Argv() []string {
	return append([]string{c.Program}, c.Args...)
}

// String renders c as a single shell line with every token quoted:
//
//	cd '<dir>' && KEY='v' 'prog' 'arg'...
func (c Command) String() string {
	var b strings.Builder
	if c.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(shellescape.Quote(c.Dir))
		b.WriteString(" && ")
	}
	if len(c.Env) > 0 {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(shellescape.Quote(c.Env[k]))
			b.WriteByte(' ')
		}
	}
	b.WriteString(shellescape.QuoteCommand(c.Argv()))
	return b.String()
}

// Redacted renders c like String but masks environment values, for logs.
func (c Command) Redacted() string {
	if len(c.Env) == 0 {
		return c.String()
	}
	masked := c
	masked.Env = make(map[string]string, len(c.Env))
	for k := range c.Env {
		masked.Env[k] = "***"
	}
	return masked.String()
}

// Expand substitutes ${name} placeholders in every token of argv using vars.
// Unknown placeholders expand to the empty string.
func Expand(argv []string, vars map[string]string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = os.Expand(arg, func(key string) string {
			return vars[key]
		})
	}
	return out
}

// FromArgv builds a command from an argv slice, returning false when argv is empty.
func FromArgv(argv []string) (Command, bool) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return Command{}, false
	}
	return New(argv[0], argv[1:]...), true
}

// AppendFileScript appends the file named by $1 to the file named by $2.
// Paths travel as positional parameters so they are never parsed as script.
const AppendFileScript = `cat "$1" >> "$2"`

// AppendFile returns a command appending src to dst.
func AppendFile(src, dst string) Command {
	return New("sh", "-c", AppendFileScript, "sh", src, dst)
}

// Wrap prefixes line with a shell invocation such as "/bin/bash -l -c".
// An empty shell returns line unchanged.
func Wrap(shellPath, line string) string {
	shellPath = strings.TrimSpace(shellPath)
	if shellPath == "" {
		return line
	}
	return shellPath + " " + shellescape.Quote(line)
}
