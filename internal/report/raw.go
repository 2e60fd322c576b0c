package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/slashfoo/poh/internal/executor"
)

// ReplayOptions controls the raw/quiet stream replay.
type ReplayOptions struct {
	Quiet     bool // no prefixes, no color, bare stream bytes
	Transpose bool // order by (command, host) instead of (host, command)
	Color     bool
}

// Replayer writes captured remote output back to local stdout/stderr,
// each line prefixed with the originating host (raw mode) or verbatim
// (quiet mode).
type Replayer struct {
	opts   ReplayOptions
	stdout io.Writer
	stderr io.Writer
}

// NewReplayer creates a Replayer writing to the given streams.
func NewReplayer(opts ReplayOptions, stdout, stderr io.Writer) *Replayer {
	if opts.Quiet {
		opts.Color = false
	}
	return &Replayer{opts: opts, stdout: stdout, stderr: stderr}
}

// Replay writes all results in deterministic order: by (host, command),
// or by (command, host) when transposed. For each result stderr is
// replayed before stdout, matching the original tool's file ordering.
func (rp *Replayer) Replay(results []*executor.Result) error {
	ordered := make([]*executor.Result, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if rp.opts.Transpose {
			if a.CmdNum != b.CmdNum {
				return a.CmdNum < b.CmdNum
			}
			return a.Host < b.Host
		}
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.CmdNum < b.CmdNum
	})

	for _, r := range ordered {
		if err := rp.replayOne(r); err != nil {
			return err
		}
	}
	return nil
}

func (rp *Replayer) replayOne(r *executor.Result) error {
	stderr := displayStderr(r)

	if rp.opts.Quiet {
		if _, err := rp.stderr.Write(stderr); err != nil {
			return err
		}
		_, err := rp.stdout.Write(r.Stdout)
		return err
	}

	host := r.Host
	if rp.opts.Color {
		if r.ExitCode == 0 && r.Err == nil {
			host = colorize(host, colorGreen)
		} else {
			host = colorize(host, colorRed)
		}
	}

	// A task that produced nothing on either stream still gets a marker
	// so its silence is visible in the replay.
	if len(stderr) == 0 && len(r.Stdout) == 0 {
		marker := "<EMPTY OUTPUT>"
		if rp.opts.Color {
			marker = colorize(marker, colorYellow)
		}
		_, err := fmt.Fprintf(rp.stdout, "%s:\t%s\n", host, marker)
		return err
	}

	if err := rp.writeLines(rp.stderr, host, stderr, colorRed); err != nil {
		return err
	}
	return rp.writeLines(rp.stdout, host, r.Stdout, "")
}

// writeLines writes data line by line with a "host:<TAB>" prefix,
// optionally coloring the line body.
func (rp *Replayer) writeLines(w io.Writer, host string, data []byte, lineColor string) error {
	if len(data) == 0 {
		return nil
	}
	lines := strings.Split(string(data), "\n")
	// A trailing newline produces an empty tail; the last real line may
	// legitimately lack a newline.
	hadFinalNewline := lines[len(lines)-1] == ""
	if hadFinalNewline {
		lines = lines[:len(lines)-1]
	}

	for i, line := range lines {
		if rp.opts.Color && lineColor != "" {
			line = colorize(line, lineColor)
		}
		terminator := "\n"
		if i == len(lines)-1 && !hadFinalNewline {
			terminator = ""
		}
		if _, err := fmt.Fprintf(w, "%s:\t%s%s", host, line, terminator); err != nil {
			return err
		}
	}
	return nil
}
