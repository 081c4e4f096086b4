package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"ledgermesh/internal/metrics"
	"ledgermesh/internal/peer"
	"ledgermesh/internal/proto"
)

func testPeers(t *testing.T, addrs ...string) *peer.Store {
	t.Helper()
	s, err := peer.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open peers: %v", err)
	}
	for i, addr := range addrs {
		if err := s.Upsert(peer.Peer{NodeID: fmt.Sprintf("n%d", i), Addr: addr}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	return s
}

func TestSendToAllReachesEveryPeer(t *testing.T) {
	peers := testPeers(t, "addr-0", "addr-1", "addr-2")
	var mu sync.Mutex
	got := make(map[string]int)
	b := New(peers, metrics.New(), true)
	b.Send = func(_ context.Context, addr string, data []byte, _ bool) error {
		mu.Lock()
		defer mu.Unlock()
		got[addr]++
		if len(data) == 0 {
			t.Errorf("empty payload for %s", addr)
		}
		return nil
	}

	env := proto.NewTransactionEnvelope(proto.DepositInfo{Name: "alice", Amount: decimal.RequireFromString("5")}, 1, "node-a")
	if err := b.SendToAll(context.Background(), env); err != nil {
		t.Fatalf("send to all: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 peers reached, got %v", got)
	}
	for addr, n := range got {
		if n != 1 {
			t.Fatalf("peer %s contacted %d times", addr, n)
		}
	}
}

func TestPartialFailureDoesNotAbortFanout(t *testing.T) {
	peers := testPeers(t, "good-0", "bad", "good-1")
	m := metrics.New()
	b := New(peers, m, true)
	var mu sync.Mutex
	var reached []string
	b.Send = func(_ context.Context, addr string, _ []byte, _ bool) error {
		mu.Lock()
		reached = append(reached, addr)
		mu.Unlock()
		if addr == "bad" {
			return errors.New("connection refused")
		}
		return nil
	}

	env := proto.NewTransactionEnvelope(proto.CreateUserInfo{Name: "alice"}, 1, "node-a")
	err := b.SendToAll(context.Background(), env)
	if err == nil {
		t.Fatalf("expected joined error for failing peer")
	}
	var pe *PeerError
	if !errors.As(err, &pe) || pe.Addr != "bad" {
		t.Fatalf("expected PeerError for bad peer, got %v", err)
	}
	if len(reached) != 3 {
		t.Fatalf("all peers must be attempted, reached %v", reached)
	}
	snap := m.Snapshot()
	if snap.Broadcast.PeerFailures != 1 || snap.Broadcast.Sent != 1 {
		t.Fatalf("unexpected metrics: %+v", snap.Broadcast)
	}
}

func TestNoPeersIsNotAnError(t *testing.T) {
	b := New(testPeers(t), metrics.New(), true)
	b.Send = func(context.Context, string, []byte, bool) error {
		t.Fatal("send must not be called without peers")
		return nil
	}
	env := proto.NewTransactionEnvelope(proto.PayInfo{Name: "a", Amount: decimal.RequireFromString("1")}, 1, "n")
	if err := b.SendToAll(context.Background(), env); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
