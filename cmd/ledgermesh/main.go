package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ledgermesh/internal/daemon"
	"ledgermesh/internal/ledger"
	"ledgermesh/internal/metrics"
	"ledgermesh/internal/peer"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdin, stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "users":
		return runUsers(args[1:], stdout, stderr)
	case "tsx":
		return runTsx(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: ledgermesh <run|status|users|tsx|peers> [args]")
	fmt.Fprintln(w, "  run    --addr <ip:port> [--home <dir>] [--peers <addr,...>] [--advertise <ip:port>] [--devtls] [--debug]")
	fmt.Fprintln(w, "  status [--home <dir>]")
	fmt.Fprintln(w, "  users  [--home <dir>]")
	fmt.Fprintln(w, "  tsx    [--home <dir>] [--user <name>]")
	fmt.Fprintln(w, "  peers  [--home <dir>]")
}

func defaultHome() string {
	if env := strings.TrimSpace(os.Getenv("LEDGERMESH_HOME")); env != "" {
		return env
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".ledgermesh")
}

func homeFlag(fs *flag.FlagSet) *string {
	return fs.String("home", defaultHome(), "data directory")
}

func runNode(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen addr (host:port)")
	home := homeFlag(fs)
	peersFlag := fs.String("peers", "", "comma separated peer addresses to announce to")
	advertise := fs.String("advertise", "", "address peers should dial back (defaults to the listen addr)")
	devTLS := fs.Bool("devtls", false, "allow deterministic dev TLS certs (unsafe)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	if *debug {
		_ = os.Setenv("LEDGERMESH_DEBUG", "1")
	}
	if !*devTLS {
		fmt.Fprintln(stderr, "dev TLS disabled by default; pass --devtls to enable")
		return 1
	}
	fmt.Fprintln(stderr, "WARNING: using deterministic dev TLS certificates")

	var seeds []string
	for _, part := range strings.Split(*peersFlag, ",") {
		if part = strings.TrimSpace(part); part != "" {
			seeds = append(seeds, part)
		}
	}
	runner, err := daemon.NewRunner(*home, daemon.Options{
		Out:       stdout,
		Seeds:     seeds,
		Advertise: *advertise,
		Insecure:  *devTLS,
	})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runner.RunWithContext(ctx, *addr, ready)
	}()
	select {
	case actual := <-ready:
		fmt.Fprintf(stdout, "READY addr=%s node_id=%s\n", actual, runner.Self.ID)
	case err := <-errCh:
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}

	if err := runREPL(ctx, runner, stdin, stdout); err != nil {
		fmt.Fprintf(stderr, "input failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := homeFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	runner, err := daemon.NewRunner(*home, daemon.Options{Out: stdout})
	if err != nil {
		fmt.Fprintf(stderr, "status: node unavailable: %v\n", err)
		return 1
	}
	runner.WriteStatus(stdout)
	snap := readMetricsSnapshot(filepath.Join(*home, "metrics.json"))
	fmt.Fprintf(stdout, "applied: local=%d remote=%d rejected=%d\n",
		snap.Commands.AppliedLocal, snap.Commands.AppliedRemote, snap.Commands.Rejected)
	fmt.Fprintf(stdout, "sends:   ok=%d failed=%d\n", snap.Broadcast.Sent, snap.Broadcast.PeerFailures)
	fmt.Fprintf(stdout, "dropped: decode=%d sig=%d duplicate=%d\n",
		snap.Recv.DecodeRejected, snap.Recv.SigRejected, snap.Recv.Duplicates)
	return 0
}

// readMetricsSnapshot loads the last snapshot a running node wrote. A missing
// or stale file just yields zero counters.
func readMetricsSnapshot(path string) metrics.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}
	}
	return snap
}

func runUsers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("users", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := homeFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	st, err := ledger.Open(*home)
	if err != nil {
		fmt.Fprintf(stderr, "users: %v\n", err)
		return 1
	}
	st.WriteUsers(stdout)
	return 0
}

func runTsx(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tsx", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := homeFlag(fs)
	user := fs.String("user", "", "only transactions involving this user")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	st, err := ledger.Open(*home)
	if err != nil {
		fmt.Fprintf(stderr, "tsx: %v\n", err)
		return 1
	}
	if *user != "" {
		ledger.WriteTransactions(stdout, st.TransactionsFor(*user))
		return 0
	}
	ledger.WriteTransactions(stdout, st.Transactions())
	return 0
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := homeFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ps, err := peer.Open(*home)
	if err != nil {
		fmt.Fprintf(stderr, "peers: %v\n", err)
		return 1
	}
	for _, p := range ps.List() {
		if p.Addr == "" {
			fmt.Fprintf(stdout, "%s addr=unknown\n", p.NodeID)
			continue
		}
		fmt.Fprintf(stdout, "%s addr=%s\n", p.NodeID, p.Addr)
	}
	return 0
}
