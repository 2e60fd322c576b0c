// Package spool persists per-task output as files on local disk, three
// per (host, command) pair: host.N.stdout, host.N.stderr and
// host.N.retval.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/slashfoo/poh/internal/executor"
)

// Spool writes execution artifacts into a single directory.
type Spool struct {
	dir     string
	created bool // dir was created by us (temp dir or fresh -o path)
}

// New prepares the artifact directory. An empty dir requests a fresh
// temp directory; an explicit dir is created with mode 0700 and must
// not already exist as a non-directory.
func New(dir string) (*Spool, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "poh.")
		if err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
		return &Spool{dir: tmp, created: true}, nil
	}

	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("output path %s exists and is not a directory", dir)
		}
		return &Spool{dir: dir}, nil
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
		return &Spool{dir: dir, created: true}, nil
	default:
		return nil, fmt.Errorf("stat output dir: %w", err)
	}
}

// Dir returns the artifact directory path.
func (s *Spool) Dir() string { return s.dir }

// Write persists every result concurrently. Each task produces
// host.N.stdout, host.N.stderr and host.N.retval (decimal exit code
// plus newline); a failed task's error is appended to its stderr file.
func (s *Spool) Write(results []*executor.Result) error {
	var g errgroup.Group
	for _, r := range results {
		r := r
		g.Go(func() error {
			return s.writeOne(r)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("spool to %s: %w", s.dir, err)
	}
	return nil
}

func (s *Spool) writeOne(r *executor.Result) error {
	base := filepath.Join(s.dir, fmt.Sprintf("%s.%d", r.Host, r.CmdNum))

	stderr := r.Stderr
	if r.Err != nil {
		stderr = append(append([]byte{}, stderr...), []byte("error: "+r.Err.Error()+"\n")...)
	}

	if err := os.WriteFile(base+".stdout", r.Stdout, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(base+".stderr", stderr, 0o600); err != nil {
		return err
	}
	retval := strconv.Itoa(r.ExitCode) + "\n"
	return os.WriteFile(base+".retval", []byte(retval), 0o600)
}

// Remove deletes the artifact directory. Directories the caller
// supplied and that already existed are left alone.
func (s *Spool) Remove() error {
	if !s.created {
		return nil
	}
	return os.RemoveAll(s.dir)
}
