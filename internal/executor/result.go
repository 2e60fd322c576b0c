package executor

import "time"

// Result holds the outcome of executing one command on one host.
// CmdNum is the global 1-based command number across all sources.
type Result struct {
	Host     string
	CmdNum   int
	Command  string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	Err      error // connection/timeout errors
}

// Empty reports whether the command produced no output on either stream.
func (r *Result) Empty() bool {
	return len(r.Stdout) == 0 && len(r.Stderr) == 0
}
