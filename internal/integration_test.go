package internal_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/slashfoo/poh/internal/config"
	"github.com/slashfoo/poh/internal/executor"
	"github.com/slashfoo/poh/internal/report"
	"github.com/slashfoo/poh/internal/spool"
	pssh "github.com/slashfoo/poh/internal/ssh"
	"github.com/slashfoo/poh/internal/sshtest"
)

func startServer(t *testing.T, pubKey ssh.PublicKey, handler sshtest.CmdHandler) int {
	t.Helper()
	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(handler))
	t.Cleanup(cleanup)
	_, port := sshtest.ParseAddr(t, addr)
	return port
}

// TestFullPipeline_Report runs two commands across three servers and
// checks the rendered report: in-process SSH servers -> pool ->
// executor -> formatter.
func TestFullPipeline_Report(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	pubKey, keyPath := sshtest.GenerateKey(t)

	handler := func(name string) sshtest.CmdHandler {
		return func(cmd string) (string, string, int) {
			if cmd == "uptime" {
				return "up 14 days\n", "", 0
			}
			return "", name + ": " + cmd + ": not found\n", 127
		}
	}

	port1 := startServer(t, pubKey, handler("web-01"))
	port2 := startServer(t, pubKey, handler("web-02"))
	port3 := startServer(t, pubKey, handler("web-03"))

	pool := pssh.NewPool(
		pssh.ClientConfig{
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			User:            "testuser",
			IdentityFiles:   []string{keyPath},
		},
		[]config.Host{
			{Name: "web-01", Hostname: "127.0.0.1", Port: port1},
			{Name: "web-02", Hostname: "127.0.0.1", Port: port2},
			{Name: "web-03", Hostname: "127.0.0.1", Port: port3},
		},
	)
	defer pool.Close()

	exec := executor.New(pool, executor.WithConcurrency(5))
	hosts := []string{"web-01", "web-02", "web-03"}
	commands := []string{"uptime", "badcmd"}

	start := time.Now()
	results := exec.Execute(context.Background(), hosts, commands)
	end := time.Now()

	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("host %s cmd %d error: %v", r.Host, r.CmdNum, r.Err)
		}
	}

	out := report.NewPretty(report.PrettyOptions{Wide: true, Long: true}).
		Format(results, commands, start, end)

	for _, want := range []string{
		"Commands run:",
		"     1. uptime",
		"     2. badcmd",
		"  srv#1   - web-01",
		"  srv#3   - web-03",
		"[RETVAL=0]",
		"[RETVAL=127]",
		"      > up 14 days",
		"      X web-02: badcmd: not found",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q\n%s", want, out)
		}
	}
}

// TestFullPipeline_RawReplay checks the raw replay path end to end,
// including host ordering and failure prefixes.
func TestFullPipeline_RawReplay(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	pubKey, keyPath := sshtest.GenerateKey(t)

	port1 := startServer(t, pubKey, func(cmd string) (string, string, int) {
		return "alpha\n", "", 0
	})
	port2 := startServer(t, pubKey, func(cmd string) (string, string, int) {
		return "", "", 0
	})

	pool := pssh.NewPool(
		pssh.ClientConfig{
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			User:            "testuser",
			IdentityFiles:   []string{keyPath},
		},
		[]config.Host{
			{Name: "a-host", Hostname: "127.0.0.1", Port: port1},
			{Name: "b-host", Hostname: "127.0.0.1", Port: port2},
		},
	)
	defer pool.Close()

	exec := executor.New(pool)
	results := exec.Execute(context.Background(), []string{"b-host", "a-host"}, []string{"show"})

	var stdout, stderr bytes.Buffer
	if err := report.NewReplayer(report.ReplayOptions{}, &stdout, &stderr).Replay(results); err != nil {
		t.Fatalf("replay: %v", err)
	}

	want := "a-host:\talpha\nb-host:\t<EMPTY OUTPUT>\n"
	if stdout.String() != want {
		t.Errorf("stdout = %q, want %q", stdout.String(), want)
	}
}

// TestFullPipeline_SpooledArtifacts runs commands and verifies the
// on-disk artifact files match what the servers produced.
func TestFullPipeline_SpooledArtifacts(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	pubKey, keyPath := sshtest.GenerateKey(t)

	port := startServer(t, pubKey, func(cmd string) (string, string, int) {
		if cmd == "ok" {
			return "fine\n", "", 0
		}
		return "", "nope\n", 2
	})

	pool := pssh.NewPool(
		pssh.ClientConfig{
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			User:            "testuser",
			IdentityFiles:   []string{keyPath},
		},
		[]config.Host{
			{Name: "web-01", Hostname: "127.0.0.1", Port: port},
		},
	)
	defer pool.Close()

	exec := executor.New(pool)
	results := exec.Execute(context.Background(), []string{"web-01"}, []string{"ok", "fail"})

	sp, err := spool.New(t.TempDir())
	if err != nil {
		t.Fatalf("spool.New: %v", err)
	}
	if err := sp.Write(results); err != nil {
		t.Fatalf("spool.Write: %v", err)
	}

	checks := map[string]string{
		"web-01.1.stdout": "fine\n",
		"web-01.1.retval": "0\n",
		"web-01.2.stderr": "nope\n",
		"web-01.2.retval": "2\n",
	}
	for name, want := range checks {
		data, err := os.ReadFile(filepath.Join(sp.Dir(), name))
		if err != nil {
			t.Errorf("read %s: %v", name, err)
			continue
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", name, data, want)
		}
	}
}

// TestFullPipeline_ConnectionFailure verifies an unreachable host is
// reported as a RETVAL=-1 entry without affecting other hosts.
func TestFullPipeline_ConnectionFailure(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	pubKey, keyPath := sshtest.GenerateKey(t)

	port := startServer(t, pubKey, func(cmd string) (string, string, int) {
		return "ok\n", "", 0
	})

	pool := pssh.NewPool(
		pssh.ClientConfig{
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			User:            "testuser",
			IdentityFiles:   []string{keyPath},
		},
		[]config.Host{
			{Name: "good-host", Hostname: "127.0.0.1", Port: port},
			{Name: "bad-host", Hostname: "127.0.0.1", Port: 1},
		},
	)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec := executor.New(pool)
	results := exec.Execute(ctx, []string{"good-host", "bad-host"}, []string{"check"})

	if results[0].Err != nil {
		t.Fatalf("good-host error: %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Fatal("bad-host should have a connection error")
	}
	if results[1].ExitCode != -1 {
		t.Errorf("bad-host exit code = %d, want -1", results[1].ExitCode)
	}

	out := report.NewPretty(report.PrettyOptions{Wide: true, Long: true}).
		Format(results, []string{"check"}, time.Now(), time.Now())
	if !strings.Contains(out, "[RETVAL=-1]") {
		t.Errorf("report should flag the failed host\n%s", out)
	}
	if !strings.Contains(out, "      > ok") {
		t.Errorf("report should still show the good host's output\n%s", out)
	}
}

// TestFullPipeline_ProxyJump runs a command on a target reachable only
// through a bastion.
func TestFullPipeline_ProxyJump(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	pubKey, keyPath := sshtest.GenerateKey(t)

	bastionAddr, bastionCleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithJumpForwarding())
	defer bastionCleanup()

	targetPort := startServer(t, pubKey, func(cmd string) (string, string, int) {
		return "behind-bastion\n", "", 0
	})

	_, bastionPort := sshtest.ParseAddr(t, bastionAddr)
	jumpSpec := fmt.Sprintf("testuser@127.0.0.1:%d", bastionPort)

	pool := pssh.NewPool(
		pssh.ClientConfig{
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			User:            "testuser",
			IdentityFiles:   []string{keyPath},
		},
		[]config.Host{
			{Name: "target-host", Hostname: "127.0.0.1", Port: targetPort, ProxyJump: jumpSpec},
		},
	)
	defer pool.Close()

	exec := executor.New(pool)
	results := exec.Execute(context.Background(), []string{"target-host"}, []string{"test"})

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}
	if string(results[0].Stdout) != "behind-bastion\n" {
		t.Errorf("stdout = %q, want behind-bastion", results[0].Stdout)
	}
}
