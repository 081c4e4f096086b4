package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"ledgermesh/internal/broadcast"
	"ledgermesh/internal/clock"
	"ledgermesh/internal/debuglog"
	"ledgermesh/internal/dispatch"
	"ledgermesh/internal/ledger"
	"ledgermesh/internal/metrics"
	"ledgermesh/internal/network"
	"ledgermesh/internal/node"
	"ledgermesh/internal/peer"
	"ledgermesh/internal/proto"
)

// Runner owns one replica: its identity, clock, ledger, peer table and the
// receive pipeline that feeds network payloads into the dispatcher.
type Runner struct {
	Home     string
	Self     *node.Identity
	Clock    *clock.Lamport
	Ledger   *ledger.Store
	Peers    *peer.Store
	Metrics  *metrics.Metrics
	Caster   *broadcast.Broadcaster
	Dispatch *dispatch.Dispatcher

	Insecure bool

	snapPath   string
	advertise  string
	seeds      []string
	listenMu   sync.RWMutex
	listenAddr string
	stopSnap   chan struct{}
	stopOnce   sync.Once
}

type Options struct {
	Ledger    *ledger.Store
	Peers     *peer.Store
	Metrics   *metrics.Metrics
	Out       io.Writer
	SnapPath  string
	Advertise string
	Seeds     []string
	Insecure  bool
}

func NewRunner(home string, opts Options) (*Runner, error) {
	if home == "" {
		return nil, fmt.Errorf("missing home")
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	self, err := node.Load(home)
	if err != nil {
		return nil, err
	}
	led := opts.Ledger
	if led == nil {
		led, err = ledger.Open(home)
		if err != nil {
			return nil, err
		}
	}
	peers := opts.Peers
	if peers == nil {
		peers, err = peer.Open(home)
		if err != nil {
			return nil, err
		}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	snapPath := opts.SnapPath
	if snapPath == "" {
		snapPath = filepath.Join(home, "metrics.json")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	seeds := opts.Seeds
	if len(seeds) == 0 {
		seeds = envList("LEDGERMESH_PEERS")
	}
	caster := broadcast.New(peers, m, opts.Insecure)
	if ms, ok := envInt("LEDGERMESH_DIAL_TIMEOUT_MS"); ok && ms > 0 {
		caster.Timeout = time.Duration(ms) * time.Millisecond
	}
	clk := clock.New(lastStamp(led))
	r := &Runner{
		Home:      home,
		Self:      self,
		Clock:     clk,
		Ledger:    led,
		Peers:     peers,
		Metrics:   m,
		Caster:    caster,
		Insecure:  opts.Insecure,
		snapPath:  snapPath,
		advertise: opts.Advertise,
		seeds:     seeds,
		stopSnap:  make(chan struct{}),
	}
	r.Dispatch = &dispatch.Dispatcher{
		Node:    self.ID,
		Clock:   clk,
		Ledger:  led,
		Caster:  caster,
		Metrics: m,
		Out:     out,
		Sign: func(env *proto.Envelope) error {
			return proto.SignEnvelope(env, self.Pub, self.Priv)
		},
	}
	return r, nil
}

// lastStamp restores the clock from the highest stamp this replica has
// persisted, so a restart never reissues a used logical time.
func lastStamp(led *ledger.Store) int64 {
	var max int64
	for _, u := range led.Users() {
		if u.Time > max {
			max = u.Time
		}
	}
	for _, t := range led.Transactions() {
		if t.Time > max {
			max = t.Time
		}
	}
	return max
}

func (r *Runner) Run(addr string) error {
	return r.RunWithContext(context.Background(), addr, nil)
}

func (r *Runner) RunWithContext(ctx context.Context, addr string, ready chan<- string) error {
	if r == nil {
		return fmt.Errorf("missing runner")
	}
	r.StartSnapshotWriter(time.Second)
	defer r.StopSnapshotWriter()
	internalReady := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- network.ListenAndServe(ctx, addr, internalReady, func(data []byte) {
			if err := r.HandleRaw(data); err != nil {
				debuglog.Logf("recv reject: %v", err)
			}
		})
	}()
	select {
	case actual := <-internalReady:
		r.setListenAddr(actual)
		if ready != nil {
			select {
			case ready <- actual:
			default:
			}
		}
		r.announce(ctx)
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errCh
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

func (r *Runner) ListenAddr() string {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

// announce introduces this replica to its configured seed addresses and to
// every peer already on file.
func (r *Runner) announce(ctx context.Context) {
	hello, err := r.helloBytes()
	if err != nil {
		debuglog.Logf("announce: %v", err)
		return
	}
	addrs := append([]string{}, r.seeds...)
	for _, p := range r.Peers.Reachable() {
		addrs = append(addrs, p.Addr)
	}
	for _, addr := range dedup(addrs) {
		go func(addr string) {
			sendCtx, cancel := context.WithTimeout(ctx, r.Caster.Timeout)
			defer cancel()
			if err := network.Send(sendCtx, addr, hello, r.Insecure); err != nil {
				debuglog.Debugf("hello to %s failed: %v", addr, err)
			}
		}(addr)
	}
}

func (r *Runner) helloBytes() ([]byte, error) {
	addr := r.advertise
	if addr == "" {
		addr = r.ListenAddr()
	}
	hello := proto.NewHello(r.Self.ID, addr, r.Self.Pub)
	if err := proto.SignHello(&hello, r.Self.Priv); err != nil {
		return nil, err
	}
	return proto.EncodeHello(hello)
}

// HandleRaw routes one received payload. Unverifiable input is dropped with
// a counted reason and never reaches the ledger.
func (r *Runner) HandleRaw(data []byte) error {
	if len(data) == 0 || len(data) > proto.MaxFrameSize {
		r.Metrics.IncDecodeRejected()
		return fmt.Errorf("frame size %d out of range", len(data))
	}
	code, err := proto.PeekCode(data)
	if err != nil {
		r.Metrics.IncDecodeRejected()
		return fmt.Errorf("peek code: %w", err)
	}
	switch code {
	case proto.CodeHello:
		return r.recvHello(data)
	case proto.CodeTransaction:
		return r.recvTransaction(data)
	}
	r.Metrics.IncDecodeRejected()
	return fmt.Errorf("unhandled message code %d", code)
}

func (r *Runner) recvHello(data []byte) error {
	hello, err := proto.DecodeHello(data)
	if err != nil {
		r.Metrics.IncDecodeRejected()
		return fmt.Errorf("decode hello: %w", err)
	}
	if err := proto.VerifyHello(hello); err != nil {
		r.Metrics.IncSigRejected()
		return fmt.Errorf("hello signature: %w", err)
	}
	if node.DeriveID(hello.Pub) != hello.Node {
		r.Metrics.IncSigRejected()
		return fmt.Errorf("hello node id does not match key")
	}
	if hello.Node == r.Self.ID {
		return nil
	}
	_, known := r.Peers.Get(hello.Node)
	if err := r.Peers.Upsert(peer.Peer{NodeID: hello.Node, Addr: hello.Addr, Pub: hello.Pub}); err != nil {
		return fmt.Errorf("store peer: %w", err)
	}
	r.Metrics.IncHellos()
	debuglog.Debugf("hello from %s at %s", hello.Node, hello.Addr)
	if !known && hello.Addr != "" {
		// Introduce ourselves back so the link works in both directions.
		reply, err := r.helloBytes()
		if err != nil {
			return nil
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.Caster.Timeout)
			defer cancel()
			if err := network.Send(ctx, hello.Addr, reply, r.Insecure); err != nil {
				debuglog.Debugf("hello reply to %s failed: %v", hello.Addr, err)
			}
		}()
	}
	return nil
}

func (r *Runner) recvTransaction(data []byte) error {
	env, err := proto.DecodeEnvelope(data)
	if err != nil {
		r.Metrics.IncDecodeRejected()
		return fmt.Errorf("decode envelope: %w", err)
	}
	if err := proto.VerifyEnvelope(env); err != nil {
		r.Metrics.IncSigRejected()
		return fmt.Errorf("envelope signature: %w", err)
	}
	if node.DeriveID(env.FromPub) != env.Node {
		r.Metrics.IncSigRejected()
		return fmt.Errorf("envelope node id does not match key")
	}
	// The remote stamp is merged as soon as the envelope authenticates, so
	// even a replay the ledger rejects leaves the clock ahead of it.
	r.Clock.Observe(env.Time)
	if err := r.Dispatch.HandleRemote(env); err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			// Redelivery of an already applied record is benign.
			r.Metrics.IncDuplicates()
			return nil
		}
		return fmt.Errorf("replay %s: %w", env.Command, err)
	}
	return nil
}

// HandleLocal runs one operator command through the dispatcher.
func (r *Runner) HandleLocal(ctx context.Context, cmd proto.Command, p dispatch.Prompter) error {
	return r.Dispatch.HandleLocal(ctx, cmd, p)
}

func (r *Runner) StartSnapshotWriter(interval time.Duration) {
	if r == nil || r.Metrics == nil || r.snapPath == "" {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case <-r.stopSnap:
					return
				default:
				}
				_ = r.Metrics.WriteSnapshot(r.snapPath)
			case <-r.stopSnap:
				return
			}
		}
	}()
}

// StopSnapshotWriter halts the writer goroutine. Closing the channel rather
// than sending means a writer busy inside WriteSnapshot still sees the stop
// on its next select. Safe to call more than once.
func (r *Runner) StopSnapshotWriter() {
	if r == nil {
		return
	}
	r.stopOnce.Do(func() { close(r.stopSnap) })
}

// WriteStatus renders a one-shot summary of the replica for the status
// subcommand.
func (r *Runner) WriteStatus(w io.Writer) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "node:  %s\n", r.Self.ID)
	fmt.Fprintf(&buf, "clock: %d\n", r.Clock.Now())
	fmt.Fprintf(&buf, "users: %d\n", len(r.Ledger.Users()))
	fmt.Fprintf(&buf, "tsx:   %d\n", len(r.Ledger.Transactions()))
	fmt.Fprintf(&buf, "peers: %d (%d reachable)\n", len(r.Peers.List()), len(r.Peers.Reachable()))
	_, _ = w.Write(buf.Bytes())
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func dedup(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
