package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"ledgermesh/internal/clock"
	"ledgermesh/internal/ledger"
)

func TestRunPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(nil, strings.NewReader(""), &out, &errOut); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out.String(), "usage: ledgermesh") {
		t.Fatalf("usage not printed: %q", out.String())
	}
}

func TestRunRejectsUnknownSubcommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, strings.NewReader(""), &out, &errOut); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: bogus") {
		t.Fatalf("unknown subcommand not reported: %q", errOut.String())
	}
}

func TestRunNodeRequiresAddrAndDevTLS(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"run"}, strings.NewReader(""), &out, &errOut); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "missing --addr") {
		t.Fatalf("missing addr not reported: %q", errOut.String())
	}

	errOut.Reset()
	if code := run([]string{"run", "--addr", "127.0.0.1:0"}, strings.NewReader(""), &out, &errOut); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "--devtls") {
		t.Fatalf("devtls refusal not reported: %q", errOut.String())
	}
}

func TestUsersAndTsxSubcommands(t *testing.T) {
	home := t.TempDir()
	st, err := ledger.Open(home)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	clk := clock.New(0)
	origin := ledger.Local("node-test")
	if _, err := st.CreateUser(clk, origin, "alice"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := st.Deposit(clk, origin, "alice", decimal.RequireFromString("75")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	var out, errOut bytes.Buffer
	if code := run([]string{"users", "--home", home}, strings.NewReader(""), &out, &errOut); code != 0 {
		t.Fatalf("users exit code = %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "alice") || !strings.Contains(out.String(), "75") {
		t.Fatalf("users output = %q", out.String())
	}

	out.Reset()
	if code := run([]string{"tsx", "--home", home, "--user", "alice"}, strings.NewReader(""), &out, &errOut); code != 0 {
		t.Fatalf("tsx exit code = %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "2@node-test") {
		t.Fatalf("tsx output = %q", out.String())
	}

	out.Reset()
	if code := run([]string{"peers", "--home", home}, strings.NewReader(""), &out, &errOut); code != 0 {
		t.Fatalf("peers exit code = %d: %s", code, errOut.String())
	}
	if out.String() != "" {
		t.Fatalf("peers output for empty table = %q", out.String())
	}
}
