// Package cli implements the poh command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/slashfoo/poh/internal/command"
	"github.com/slashfoo/poh/internal/config"
	"github.com/slashfoo/poh/internal/executor"
	"github.com/slashfoo/poh/internal/hostlist"
	"github.com/slashfoo/poh/internal/report"
	"github.com/slashfoo/poh/internal/spool"
	pssh "github.com/slashfoo/poh/internal/ssh"
	"github.com/slashfoo/poh/internal/upload"
)

// UsageError marks command-line validation failures. They exit with
// code 64 (EX_USAGE) and print usage, unlike runtime failures.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

func usageErrorf(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// options collects every flag value before precedence rules are applied.
type options struct {
	servers  []string
	cmdFiles []string

	sshConfig string

	transpose bool
	oneLine   bool
	long      bool
	wide      bool
	raw       bool
	quiet     bool
	noColor   bool

	keep      bool
	outputDir string

	dryRun  bool
	verbose int
	debug   bool

	script      string
	timeout     time.Duration
	concurrency int
	insecure    bool
	askPass     bool
}

// NewRootCmd builds the poh root command.
func NewRootCmd(version string) *cobra.Command {
	return newRootCmd(version, os.Args[1:])
}

// newRootCmd takes the raw argument vector separately so the relative
// order of positional commands and -f flags can be recovered; cobra
// does not preserve it.
func newRootCmd(version string, argv []string) *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:     "poh [flags] [COMMAND...]",
		Short:   "run commands on many hosts over SSH",
		Long:    "poh runs shell commands on remote hosts in parallel over SSH\nand renders the collected output.",
		Version: version,

		SilenceUsage:  true,
		SilenceErrors: true,

		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o, argv, args)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&o.servers, "servers", "S", nil, "target hosts (repeatable, comma separated, '-' reads stdin)")
	flags.StringArrayVarP(&o.cmdFiles, "commands-from", "f", nil, "read commands from FILE (repeatable)")
	flags.StringVarP(&o.sshConfig, "ssh-config", "F", "", "use this ssh_config file for host resolution")
	flags.BoolVarP(&o.transpose, "transpose-output", "t", false, "group output by command instead of server")
	flags.BoolVarP(&o.oneLine, "one-line", "1", false, "one summary line per server")
	flags.BoolVarP(&o.long, "long-output", "L", false, "do not clip output to terminal height")
	flags.BoolVarP(&o.wide, "wide-output", "W", false, "do not truncate lines to terminal width")
	flags.BoolVarP(&o.raw, "raw-output", "r", false, "replay output with host:<TAB> line prefixes")
	flags.BoolVarP(&o.quiet, "quiet-output", "q", false, "replay output verbatim, without prefixes")
	flags.BoolVarP(&o.keep, "keep-output", "k", false, "keep the result artifact directory")
	flags.StringVarP(&o.outputDir, "output-dir", "o", "", "artifact directory (implies -k)")
	flags.BoolVarP(&o.dryRun, "dry-run", "D", false, "validate and show what would run")
	flags.BoolVar(&o.noColor, "no-color", false, "disable colored output")
	flags.CountVarP(&o.verbose, "verbose", "v", "increase log verbosity (repeatable)")
	flags.BoolVarP(&o.debug, "debug", "x", false, "maximum log verbosity")
	flags.StringVar(&o.script, "script", "", "upload FILE to each host and execute it")
	flags.DurationVar(&o.timeout, "timeout", 0, "per-command timeout (0 disables)")
	flags.IntVar(&o.concurrency, "concurrency", 0, "maximum simultaneous commands")
	flags.BoolVar(&o.insecure, "insecure", false, "skip known_hosts host key verification")
	flags.BoolVar(&o.askPass, "ask-pass", false, "prompt for an SSH password fallback")

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &UsageError{Msg: err.Error()}
	})

	return cmd
}

// Execute runs the root command and returns the process exit code.
// Validation failures exit 64; runtime failures exit 1.
func Execute(version string) int {
	cmd := NewRootCmd(version)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "poh: %v\n", err)
		var ue *UsageError
		if errors.As(err, &ue) {
			fmt.Fprint(os.Stderr, cmd.UsageString())
			return 64
		}
		return 1
	}
	return 0
}

func run(cmd *cobra.Command, o *options, argv, args []string) error {
	setupLogging(cmd.ErrOrStderr(), o.verbose, o.debug)

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	applyDefaults(o, cfg, cmd)

	stdoutTTY := report.IsTerminal(int(os.Stdout.Fd()))
	applyPrecedence(o, stdoutTTY)

	hosts, err := gatherHosts(o, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		return usageErrorf("no servers given; use -S or pipe hosts on stdin")
	}

	commands, err := gatherCommands(o, argv, args)
	if err != nil {
		return err
	}
	if commands.Len() == 0 {
		return usageErrorf("no commands given; pass COMMAND arguments, -f, or --script")
	}

	slog.Debug("run plan",
		"servers", len(hosts),
		"commands", commands.Len(),
		"concurrency", o.concurrency,
		"timeout", o.timeout)

	if o.dryRun {
		printPlan(cmd.OutOrStdout(), o, hosts, commands)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := sshSettings(o)
	if err != nil {
		return err
	}
	resolved := config.ResolveHosts(hosts, settings)
	for _, h := range resolved {
		slog.Debug("resolved host", "name", h.Name, "hostname", h.Hostname, "port", h.Port)
	}

	clientConf := pssh.ClientConfig{
		AcceptUnknownHosts: o.insecure,
	}
	if o.askPass {
		pw, err := promptPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		clientConf.PasswordCallback = func(host string) (string, error) {
			return pw, nil
		}
	}

	pool := pssh.NewPool(clientConf, resolved)
	defer pool.Close()
	defer pssh.CloseAgent()

	var runner executor.Runner = pool
	if o.script != "" {
		runner = upload.NewScriptRunner(pool, o.script)
	}

	exec := executor.New(runner,
		executor.WithConcurrency(o.concurrency),
		executor.WithTimeout(o.timeout))

	start := time.Now()
	results := exec.Execute(ctx, hosts, commands.All())
	end := time.Now()

	var spooled *spool.Spool
	if o.keep {
		spooled, err = spool.New(o.outputDir)
		if err != nil {
			return err
		}
		if err := spooled.Write(results); err != nil {
			spooled.Remove()
			return err
		}
	}

	if err := render(cmd, o, results, commands.All(), start, end); err != nil {
		return err
	}

	if spooled != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Output located at: %s\n", spooled.Dir())
	}
	return nil
}

// setupLogging installs the default slog handler: errors only unless -v
// or -x raise the level.
func setupLogging(w io.Writer, verbose int, debug bool) {
	level := slog.LevelError
	switch {
	case debug || verbose >= 3:
		level = slog.LevelDebug
	case verbose == 2:
		level = slog.LevelInfo
	case verbose == 1:
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// applyDefaults fills unset flags from the defaults file.
func applyDefaults(o *options, cfg *config.Config, cmd *cobra.Command) {
	flags := cmd.Flags()

	if !flags.Changed("concurrency") && cfg.Defaults.Concurrency > 0 {
		o.concurrency = cfg.Defaults.Concurrency
	}
	if !flags.Changed("timeout") {
		o.timeout = cfg.Defaults.Timeout.Duration
	}
	if !o.raw && !o.quiet {
		switch cfg.Defaults.Output {
		case config.OutputRaw:
			o.raw = true
		case config.OutputQuiet:
			o.quiet = true
		}
	}
	if !flags.Changed("no-color") && cfg.Defaults.Color != nil && !*cfg.Defaults.Color {
		o.noColor = true
	}
}

// applyPrecedence enforces the flag interaction rules: quiet disables
// color; raw/quiet replays ignore the report layout flags; one-line
// ignores long; an explicit output dir keeps artifacts; piped stdout
// forces long, wide, uncolored output.
func applyPrecedence(o *options, stdoutTTY bool) {
	if o.quiet {
		o.raw = false
		o.noColor = true
	}
	if o.raw || o.quiet {
		o.oneLine = false
		o.long = false
		o.wide = false
	}
	if o.oneLine {
		o.long = false
	}
	if o.outputDir != "" {
		o.keep = true
	}
	if !stdoutTTY {
		o.long = true
		o.wide = true
		o.noColor = true
	}
}

// gatherHosts merges -S entries with stdin hosts. Stdin is read when an
// entry is the literal "-" or when stdin is not a terminal.
func gatherHosts(o *options, stdin io.Reader) ([]string, error) {
	entries := hostlist.Expand(o.servers)

	var stdinHosts []string
	if hostlist.WantsStdin(entries) || !report.IsTerminal(int(os.Stdin.Fd())) {
		read, err := hostlist.Read(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading hosts from stdin: %w", err)
		}
		stdinHosts = read
	}

	return hostlist.Merge(entries, stdinHosts), nil
}

// gatherCommands builds the command list from positional arguments,
// command files, or the script flag.
func gatherCommands(o *options, argv, args []string) (command.List, error) {
	if o.script != "" {
		if len(args) > 0 || len(o.cmdFiles) > 0 {
			return command.List{}, usageErrorf("--script cannot be combined with COMMAND arguments or -f")
		}
		if _, err := os.Stat(o.script); err != nil {
			return command.List{}, usageErrorf("script %s: %v", o.script, err)
		}
		return command.List{Sources: []command.Source{
			{Name: o.script, Commands: []string{o.script}},
		}}, nil
	}

	positional := command.FromArgs(args)

	var files []command.Source
	for _, path := range o.cmdFiles {
		src, err := command.LoadFile(path)
		if err != nil {
			return command.List{}, err
		}
		files = append(files, src)
	}

	first := command.PositionalFirst(argv, positional.Commands, o.cmdFiles)
	return command.Build(positional, files, first), nil
}

// sshSettings picks the ssh_config source: -F flag, SSH_CONFIG env,
// else the standard user and system files.
func sshSettings(o *options) (*config.SSHSettings, error) {
	path := o.sshConfig
	if path == "" {
		path = os.Getenv("SSH_CONFIG")
	}
	if path == "" {
		return config.DefaultSSHSettings(), nil
	}
	return config.LoadSSHSettings(path)
}

// printPlan renders the dry-run summary.
func printPlan(w io.Writer, o *options, hosts []string, commands command.List) {
	fmt.Fprintln(w, "Dry run; nothing was executed.")
	fmt.Fprintf(w, "Servers (%d):\n", len(hosts))
	for _, h := range hosts {
		fmt.Fprintf(w, "  %s\n", h)
	}
	fmt.Fprintf(w, "Commands (%d):\n", commands.Len())
	n := 0
	for _, src := range commands.Sources {
		for _, c := range src.Commands {
			n++
			fmt.Fprintf(w, "  %4d. %s  [%s]\n", n, c, src.Name)
		}
	}
	mode := config.OutputPretty
	if o.raw {
		mode = config.OutputRaw
	}
	if o.quiet {
		mode = config.OutputQuiet
	}
	fmt.Fprintf(w, "Output: %s\n", mode)
	if o.keep {
		dir := o.outputDir
		if dir == "" {
			dir = "(temp dir)"
		}
		fmt.Fprintf(w, "Artifacts: %s\n", dir)
	}
}

// render writes the results in the selected output mode.
func render(cmd *cobra.Command, o *options, results []*executor.Result, commands []string, start, end time.Time) error {
	if o.raw || o.quiet {
		rp := report.NewReplayer(report.ReplayOptions{
			Quiet:     o.quiet,
			Transpose: o.transpose,
			Color:     !o.noColor,
		}, cmd.OutOrStdout(), cmd.ErrOrStderr())
		return rp.Replay(results)
	}

	width, height := report.TerminalSize(int(os.Stdout.Fd()))
	out := report.NewPretty(report.PrettyOptions{
		Transpose: o.transpose,
		OneLine:   o.oneLine,
		Long:      o.long,
		Wide:      o.wide,
		Color:     !o.noColor,
		Width:     width,
		Height:    height,
	}).Format(results, commands, start, end)

	_, err := io.WriteString(cmd.OutOrStdout(), out)
	return err
}

// promptPassword asks for the SSH password once, without echo when the
// input is a terminal.
func promptPassword(stdin io.Reader, stderr io.Writer) (string, error) {
	fmt.Fprint(stderr, "SSH password: ")

	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(pw), nil
	}

	// Piped input: read a single line.
	var line strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := stdin.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}
			line.WriteByte(buf[0])
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("reading password: %w", err)
		}
	}
	fmt.Fprintln(stderr)
	return strings.TrimSuffix(line.String(), "\r"), nil
}
