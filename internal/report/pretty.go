// Package report renders execution results: the default formatted
// report plus the raw and quiet stream replays.
package report

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/slashfoo/poh/internal/executor"
)

// ANSI color codes.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorWhite  = "\033[37m"
)

const (
	stderrPrefix = "      X "
	stdoutPrefix = "      > "
	timeLayout   = "2006-01-02T15:04:05.000"
)

var escapeRe = regexp.MustCompile("\x1b\\[[0-9;]*m")

// PrettyOptions controls the formatted report layout.
type PrettyOptions struct {
	Transpose bool // group by command instead of by server
	OneLine   bool // one summary line per server
	Long      bool // don't clip output to terminal height
	Wide      bool // don't truncate lines to terminal width
	Color     bool
	Width     int // terminal width; <= 0 implies Wide
	Height    int // terminal height; <= 0 implies Long
}

// Pretty renders the formatted execution report.
type Pretty struct {
	opts PrettyOptions
}

// NewPretty creates a Pretty formatter. Unknown terminal dimensions
// force wide/long output.
func NewPretty(opts PrettyOptions) *Pretty {
	if opts.Width <= 0 {
		opts.Wide = true
	}
	if opts.Height <= 0 {
		opts.Long = true
	}
	return &Pretty{opts: opts}
}

// Format renders the report: a time header, the numbered command list,
// and the per-server (or transposed, or one-line) results.
func (p *Pretty) Format(results []*executor.Result, commands []string, start, end time.Time) string {
	var lines []string

	lines = append(lines, p.timeHeader(start, end)...)
	lines = append(lines, "")

	if len(commands) > 0 {
		lines = append(lines, p.colorize("Commands run:", colorWhite))
		for i, cmd := range commands {
			lines = append(lines, fmt.Sprintf("  %4d. %s", i+1, printable(cmd)))
		}
		lines = append(lines, "")
	}

	lines = append(lines, p.colorize("Results:", colorWhite))
	switch {
	case p.opts.OneLine:
		lines = append(lines, p.oneLineResults(results)...)
	case p.opts.Transpose:
		lines = append(lines, p.transposedResults(results, commands)...)
	default:
		lines = append(lines, p.serverResults(results)...)
	}

	if !p.opts.Wide {
		for i, line := range lines {
			lines[i] = p.truncate(line)
		}
	}

	return strings.Join(lines, "\n") + "\n"
}

// timeHeader renders the start/end/elapsed block with local and UTC times.
func (p *Pretty) timeHeader(start, end time.Time) []string {
	tzName, _ := start.Zone()
	elapsed := end.Sub(start).Seconds()

	row := func(label string, t time.Time) string {
		local := t.Format(timeLayout)
		utc := t.UTC().Format(timeLayout)
		if p.opts.Color {
			return fmt.Sprintf("%s %s %s %s",
				colorize(fmt.Sprintf("%12s", label), colorBlue),
				colorize("=", colorReset),
				colorize(local+" "+tzName, colorWhite),
				colorize("("+utc+" UTC)", colorReset))
		}
		return fmt.Sprintf("%12s = %s %s (%s UTC)", label, local, tzName, utc)
	}

	elapsedLine := fmt.Sprintf("%12s = %0.3fs", "Elapsed time", elapsed)
	if p.opts.Color {
		elapsedLine = fmt.Sprintf("%s %s %0.3fs",
			colorize(fmt.Sprintf("%12s", "Elapsed time"), colorBlue),
			colorize("=", colorReset), elapsed)
	}

	return []string{
		row("Start time", start),
		row("End time", end),
		elapsedLine,
	}
}

// serverResults renders results grouped by server (the default layout).
func (p *Pretty) serverResults(results []*executor.Result) []string {
	var lines []string
	for i, host := range hostOrder(results) {
		lines = append(lines, fmt.Sprintf("  srv#%-4d- %s", i+1, host))
		for _, r := range byHost(results, host) {
			lines = append(lines, fmt.Sprintf("      cmd#%-4d %-12s (l#:%d/%d) $ %s",
				r.CmdNum,
				p.retvalTag(r),
				countLines(displayStderr(r)),
				countLines(r.Stdout),
				printable(r.Command)))
			lines = append(lines, p.streamLines(r)...)
		}
	}
	return lines
}

// transposedResults renders results grouped by command.
func (p *Pretty) transposedResults(results []*executor.Result, commands []string) []string {
	var lines []string
	hosts := hostOrder(results)
	for ci, cmd := range commands {
		lines = append(lines, fmt.Sprintf("  cmd#%-4d$ %s", ci+1, printable(cmd)))
		for si, host := range hosts {
			r := find(results, host, ci+1)
			if r == nil {
				continue
			}
			lines = append(lines, fmt.Sprintf("      srv#%-4d %-12s (l#:%d/%d) - %s",
				si+1,
				p.retvalTag(r),
				countLines(displayStderr(r)),
				countLines(r.Stdout),
				host))
			lines = append(lines, p.streamLines(r)...)
		}
	}
	return lines
}

// oneLineResults renders one line per server: the return code of every
// command followed by the first stdout line of the first command.
func (p *Pretty) oneLineResults(results []*executor.Result) []string {
	hosts := hostOrder(results)

	widest := 0
	for _, h := range hosts {
		if len(h) > widest {
			widest = len(h)
		}
	}

	var lines []string
	for _, host := range hosts {
		hostResults := byHost(results, host)

		var blocks []string
		var firstLine string
		for _, r := range hostResults {
			blocks = append(blocks, p.retvalBlock(r))
			if r.CmdNum == 1 {
				firstLine, _, _ = strings.Cut(string(r.Stdout), "\n")
			}
		}

		lines = append(lines, fmt.Sprintf("%*s:  %s  %s",
			widest+4, host, strings.Join(blocks, ""), firstLine))
	}
	return lines
}

// streamLines renders a result's stderr then stdout blocks, clipped to
// the terminal height unless long output is requested. A trailing blank
// line separates non-empty output from the next entry.
func (p *Pretty) streamLines(r *executor.Result) []string {
	var lines []string
	lines = append(lines, p.clipStream(displayStderr(r), stderrPrefix)...)
	lines = append(lines, p.clipStream(r.Stdout, stdoutPrefix)...)
	if len(lines) > 0 {
		lines = append(lines, "")
	}
	return lines
}

func (p *Pretty) clipStream(data []byte, prefix string) []string {
	raw := splitLines(data)
	if len(raw) == 0 {
		return nil
	}

	var lines []string
	limit := p.opts.Height
	if !p.opts.Long && limit > 0 && len(raw) > limit {
		lines = append(lines, prefix+"...")
		for _, l := range raw[len(raw)-limit:] {
			lines = append(lines, prefix+l)
		}
		lines = append(lines, fmt.Sprintf("%sOutput clipped to the last %d of %d lines",
			prefix, limit, len(raw)))
		return lines
	}

	for _, l := range raw {
		lines = append(lines, prefix+l)
	}
	return lines
}

// retvalTag renders the "[RETVAL=x]" marker, colored by success.
func (p *Pretty) retvalTag(r *executor.Result) string {
	tag := fmt.Sprintf("[RETVAL=%d]", r.ExitCode)
	if !p.opts.Color {
		return tag
	}
	if r.ExitCode == 0 && r.Err == nil {
		return colorize(tag, colorGreen)
	}
	return colorize(tag, colorRed)
}

// retvalBlock renders a return code centered in 5 columns for the
// one-line layout.
func (p *Pretty) retvalBlock(r *executor.Result) string {
	block := center(fmt.Sprintf("[%d]", r.ExitCode), 5)
	if !p.opts.Color {
		return block
	}
	if r.ExitCode == 0 && r.Err == nil {
		return colorize(block, colorGreen)
	}
	return colorize(block, colorRed)
}

// truncate shortens a line to the terminal width, appending "...".
// Escape sequences do not count against the width in color mode.
func (p *Pretty) truncate(line string) string {
	width := p.opts.Width
	escLen := 0
	if p.opts.Color {
		for _, m := range escapeRe.FindAllString(line, -1) {
			escLen += len(m)
		}
	}
	if len(line) <= width+escLen {
		return line
	}
	cut := width + escLen - 3
	if cut < 0 {
		cut = 0
	}
	return line[:cut] + "..."
}

func (p *Pretty) colorize(text, color string) string {
	if !p.opts.Color {
		return text
	}
	return colorize(text, color)
}

func colorize(text, color string) string {
	return color + text + colorReset
}

// displayStderr returns the stderr bytes to show for a result,
// appending the connection/timeout error when one occurred.
func displayStderr(r *executor.Result) []byte {
	if r.Err == nil {
		return r.Stderr
	}
	out := make([]byte, 0, len(r.Stderr))
	out = append(out, r.Stderr...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, []byte("error: "+r.Err.Error()+"\n")...)
	return out
}

// hostOrder returns the distinct hosts in result order.
func hostOrder(results []*executor.Result) []string {
	var hosts []string
	seen := make(map[string]bool)
	for _, r := range results {
		if !seen[r.Host] {
			seen[r.Host] = true
			hosts = append(hosts, r.Host)
		}
	}
	return hosts
}

// byHost returns a host's results in command order.
func byHost(results []*executor.Result, host string) []*executor.Result {
	var out []*executor.Result
	for _, r := range results {
		if r.Host == host {
			out = append(out, r)
		}
	}
	return out
}

func find(results []*executor.Result, host string, cmdNum int) *executor.Result {
	for _, r := range results {
		if r.Host == host && r.CmdNum == cmdNum {
			return r
		}
	}
	return nil
}

// countLines counts the lines in a byte stream; a final line without a
// trailing newline still counts.
func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := strings.Count(string(data), "\n")
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

// splitLines splits a byte stream into lines, dropping the empty tail a
// trailing newline produces.
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// printable renders a command for display, escaping control characters
// and dropping a trailing newline.
func printable(s string) string {
	s = strings.TrimSuffix(s, "\n")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\n':
			b.WriteString(`\n`)
		case unicode.IsPrint(r):
			b.WriteRune(r)
		default:
			b.WriteString(fmt.Sprintf(`\x%02x`, r))
		}
	}
	return b.String()
}

// center pads s to width, centering it.
func center(s string, width int) string {
	if len(s) >= width {
		return s
	}
	left := (width - len(s)) / 2
	right := width - len(s) - left
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", right)
}
