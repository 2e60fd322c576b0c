// Package command loads the commands to run from positional arguments
// and command files.
package command

import (
	"fmt"
	"os"
	"strings"

	"github.com/kballard/go-shellquote"
)

// PositionalSource is the display name used for commands given directly
// on the command line.
const PositionalSource = "command line"

// Source is an ordered list of commands from a single origin.
type Source struct {
	Name     string // file path, or PositionalSource
	Commands []string
}

// List holds all command sources in execution order with global,
// 1-based command numbering across sources.
type List struct {
	Sources []Source
}

// FromArgs builds a positional source from command-line arguments.
// Empty arguments are dropped.
func FromArgs(args []string) Source {
	var cmds []string
	for _, a := range args {
		if a != "" {
			cmds = append(cmds, a)
		}
	}
	return Source{Name: PositionalSource, Commands: cmds}
}

// LoadFile reads a command file. Backslash-newline continuations are
// joined, blank lines and lines starting with '#' are skipped, and each
// command is whitespace-normalized while respecting shell quoting.
func LoadFile(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("reading command file: %w", err)
	}

	joined := strings.ReplaceAll(string(data), "\\\n", " ")

	var cmds []string
	for _, line := range strings.Split(joined, "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		normalized, err := normalize(line)
		if err != nil {
			return Source{}, fmt.Errorf("%s: %w", path, err)
		}
		if normalized != "" {
			cmds = append(cmds, normalized)
		}
	}

	return Source{Name: path, Commands: cmds}, nil
}

// normalize collapses whitespace in a command line without disturbing
// quoted sections.
func normalize(line string) (string, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return "", fmt.Errorf("parsing command %q: %w", line, err)
	}
	return shellquote.Join(words...), nil
}

// Build assembles the command list. When both positional commands and
// file sources exist, positionalFirst decides which runs first; the
// original tool ordered them by first appearance on the command line.
func Build(positional Source, files []Source, positionalFirst bool) List {
	var list List
	hasPos := len(positional.Commands) > 0

	if hasPos && positionalFirst {
		list.Sources = append(list.Sources, positional)
	}
	list.Sources = append(list.Sources, files...)
	if hasPos && !positionalFirst {
		list.Sources = append(list.Sources, positional)
	}
	return list
}

// All returns every command in execution order.
func (l List) All() []string {
	var cmds []string
	for _, src := range l.Sources {
		cmds = append(cmds, src.Commands...)
	}
	return cmds
}

// Len returns the total command count.
func (l List) Len() int {
	n := 0
	for _, src := range l.Sources {
		n += len(src.Commands)
	}
	return n
}

// PositionalFirst reports whether the first positional command appears
// before the first -f/--commands-from flag in the given argument vector.
// With no files present it returns true.
func PositionalFirst(argv []string, positional []string, cmdFiles []string) bool {
	if len(cmdFiles) == 0 {
		return true
	}
	if len(positional) == 0 {
		return false
	}

	firstPos := len(argv)
	for i, a := range argv {
		if a == positional[0] {
			firstPos = i
			break
		}
	}

	firstFile := len(argv)
	for i, a := range argv {
		if a == "-f" || a == "--commands-from" || a == cmdFiles[0] ||
			strings.HasPrefix(a, "--commands-from=") {
			firstFile = i
			break
		}
	}

	return firstPos < firstFile
}
