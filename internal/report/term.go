package report

import (
	"os"
	"strconv"

	"golang.org/x/term"
)

// TerminalSize returns the terminal dimensions for fd, falling back to
// the COLUMNS and LINES environment variables. A dimension that cannot
// be determined is returned as 0; callers treat unknown width as "wide"
// and unknown height as "long".
func TerminalSize(fd int) (cols, lines int) {
	if c, l, err := term.GetSize(fd); err == nil {
		cols, lines = c, l
	}

	if cols <= 0 {
		if c, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && c > 0 {
			cols = c
		}
	}
	if lines <= 0 {
		if l, err := strconv.Atoi(os.Getenv("LINES")); err == nil && l > 0 {
			lines = l
		}
	}

	return cols, lines
}

// IsTerminal reports whether fd refers to a terminal.
func IsTerminal(fd int) bool {
	return term.IsTerminal(fd)
}
