package daemon

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgermesh/internal/ledger"
	"ledgermesh/internal/proto"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	r, err := NewRunner(t.TempDir(), Options{Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func signedEnvelope(t *testing.T, from *Runner, info proto.MessageInfo, time int64) []byte {
	t.Helper()
	env := proto.NewTransactionEnvelope(info, time, from.Self.ID)
	if err := proto.SignEnvelope(&env, from.Self.Pub, from.Self.Priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	data, err := proto.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestRecvPipelineAppliesSignedEnvelope(t *testing.T) {
	a := newTestRunner(t)
	b := newTestRunner(t)

	if err := b.HandleRaw(signedEnvelope(t, a, proto.CreateUserInfo{Name: "alice"}, 1)); err != nil {
		t.Fatalf("create_user: %v", err)
	}
	if err := b.HandleRaw(signedEnvelope(t, a, proto.DepositInfo{Name: "alice", Amount: decimal.RequireFromString("42")}, 2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	users := b.Ledger.Users()
	if len(users) != 1 || !users[0].Balance.Equal(decimal.RequireFromString("42")) {
		t.Fatalf("replay did not apply: %+v", users)
	}
	if _, ok := b.Ledger.FindTransaction(2, a.Self.ID); !ok {
		t.Fatalf("replayed record must keep the origin stamp")
	}
	if b.Clock.Now() < 3 {
		t.Fatalf("clock = %d, want >= 3", b.Clock.Now())
	}
	snap := b.Metrics.Snapshot()
	if snap.Commands.AppliedRemote != 2 {
		t.Fatalf("applied_remote = %d, want 2", snap.Commands.AppliedRemote)
	}
}

func TestRecvPipelineRejectsBadSignatures(t *testing.T) {
	a := newTestRunner(t)
	b := newTestRunner(t)

	// Signed by A but claiming another node's identity.
	env := proto.NewTransactionEnvelope(proto.CreateUserInfo{Name: "mallory"}, 1, b.Self.ID)
	if err := proto.SignEnvelope(&env, a.Self.Pub, a.Self.Priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	forged, err := proto.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := b.HandleRaw(forged); err == nil {
		t.Fatalf("forged node id must be rejected")
	}

	// Valid signature, then a payload byte flipped after signing.
	data := signedEnvelope(t, a, proto.CreateUserInfo{Name: "alice"}, 1)
	tampered := bytes.Replace(data, []byte("alice"), []byte("alicf"), 1)
	if err := b.HandleRaw(tampered); err == nil {
		t.Fatalf("tampered envelope must be rejected")
	}

	// No signature at all.
	env = proto.NewTransactionEnvelope(proto.CreateUserInfo{Name: "alice"}, 1, a.Self.ID)
	unsigned, err := proto.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := b.HandleRaw(unsigned); err == nil {
		t.Fatalf("unsigned envelope must be rejected")
	}

	if len(b.Ledger.Users()) != 0 {
		t.Fatalf("rejected envelopes must not reach the ledger")
	}
	snap := b.Metrics.Snapshot()
	if snap.Recv.SigRejected != 3 {
		t.Fatalf("sig_rejected = %d, want 3", snap.Recv.SigRejected)
	}
}

func TestRecvPipelineRejectsUnstampedEnvelope(t *testing.T) {
	a := newTestRunner(t)
	b := newTestRunner(t)

	// A zero stamp must never reach the ledger: replaying it would mint a
	// fresh local time under the origin's id, a key the origin never created.
	if err := b.HandleRaw(signedEnvelope(t, a, proto.CreateUserInfo{Name: "alice"}, 0)); err == nil {
		t.Fatalf("zero-stamped envelope must be rejected")
	}
	if len(b.Ledger.Users()) != 0 {
		t.Fatalf("rejected envelope must not create records")
	}
	if got := b.Metrics.Snapshot().Recv.DecodeRejected; got != 1 {
		t.Fatalf("decode_rejected = %d, want 1", got)
	}
}

func TestRecvPipelineObservesRejectedReplay(t *testing.T) {
	a := newTestRunner(t)
	b := newTestRunner(t)

	// Deposit to a user the receiver does not have: the replay fails, but the
	// envelope's stamp must still have been merged into the clock.
	data := signedEnvelope(t, a, proto.DepositInfo{Name: "ghost", Amount: decimal.RequireFromString("10")}, 7)
	if err := b.HandleRaw(data); err == nil {
		t.Fatalf("replay against a missing user must fail")
	}
	if b.Clock.Now() <= 7 {
		t.Fatalf("clock = %d, want > 7 after observing the rejected stamp", b.Clock.Now())
	}
}

func TestRecvPipelineDuplicateIsBenign(t *testing.T) {
	a := newTestRunner(t)
	b := newTestRunner(t)

	data := signedEnvelope(t, a, proto.CreateUserInfo{Name: "alice"}, 1)
	if err := b.HandleRaw(data); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	deposit := signedEnvelope(t, a, proto.DepositInfo{Name: "alice", Amount: decimal.RequireFromString("10")}, 2)
	if err := b.HandleRaw(deposit); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := b.HandleRaw(deposit); err != nil {
		t.Fatalf("redelivery must be benign, got %v", err)
	}

	users := b.Ledger.Users()
	if !users[0].Balance.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("duplicate must not apply twice, balance %s", users[0].Balance)
	}
	if got := b.Metrics.Snapshot().Recv.Duplicates; got != 1 {
		t.Fatalf("duplicates = %d, want 1", got)
	}
}

func TestRecvPipelineRejectsGarbage(t *testing.T) {
	r := newTestRunner(t)

	for _, data := range [][]byte{nil, []byte("not msgpack"), bytes.Repeat([]byte{0xc0}, proto.MaxFrameSize+1)} {
		if err := r.HandleRaw(data); err == nil {
			t.Fatalf("garbage input %d bytes must be rejected", len(data))
		}
	}
	if got := r.Metrics.Snapshot().Recv.DecodeRejected; got != 3 {
		t.Fatalf("decode_rejected = %d, want 3", got)
	}
}

func TestRecvHelloRegistersPeer(t *testing.T) {
	a := newTestRunner(t)
	b := newTestRunner(t)

	hello := proto.NewHello(a.Self.ID, "", a.Self.Pub)
	if err := proto.SignHello(&hello, a.Self.Priv); err != nil {
		t.Fatalf("sign hello: %v", err)
	}
	data, err := proto.EncodeHello(hello)
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if err := b.HandleRaw(data); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if _, ok := b.Peers.Get(a.Self.ID); !ok {
		t.Fatalf("verified hello must register the peer")
	}
	if got := b.Metrics.Snapshot().Recv.Hellos; got != 1 {
		t.Fatalf("hellos = %d, want 1", got)
	}

	// A hello claiming an identity its key cannot prove is dropped.
	forged := proto.NewHello(b.Self.ID, "", a.Self.Pub)
	if err := proto.SignHello(&forged, a.Self.Priv); err != nil {
		t.Fatalf("sign hello: %v", err)
	}
	data, err = proto.EncodeHello(forged)
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if err := b.HandleRaw(data); err == nil {
		t.Fatalf("forged hello must be rejected")
	}
}

func TestSnapshotWriterStops(t *testing.T) {
	r := newTestRunner(t)
	r.StartSnapshotWriter(5 * time.Millisecond)

	path := filepath.Join(r.Home, "metrics.json")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no snapshot written")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.StopSnapshotWriter()
	r.StopSnapshotWriter()

	// Let a write that raced the stop finish, then make sure the writer is
	// really gone.
	time.Sleep(50 * time.Millisecond)
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove snapshot: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("snapshot writer kept running after stop")
	}
}

func TestClockRestoredAcrossRestart(t *testing.T) {
	home := t.TempDir()
	r, err := NewRunner(home, Options{Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	origin := ledger.Local(r.Self.ID)
	if _, err := r.Ledger.CreateUser(r.Clock, origin, "alice"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := r.Ledger.Deposit(r.Clock, origin, "alice", decimal.RequireFromString("5")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	restarted, err := NewRunner(home, Options{Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if restarted.Clock.Now() != 2 {
		t.Fatalf("restored clock = %d, want 2", restarted.Clock.Now())
	}
	if restarted.Self.ID != r.Self.ID {
		t.Fatalf("identity must persist across restarts")
	}
	if stamp := restarted.Clock.Tick(); stamp != 3 {
		t.Fatalf("next stamp = %d, want 3", stamp)
	}
}
