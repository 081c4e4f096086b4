package peer

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Peer is one known participant: where to reach it and, once it has said
// hello, the pubkey its envelopes must verify against.
type Peer struct {
	NodeID string
	Addr   string
	Pub    ed25519.PublicKey
}

var ErrMissingAddr = errors.New("peer has no address")

// Store is the peer registry. Entries are kept in memory under a mutex and
// appended to peers.jsonl; the last record per node id wins at load, so an
// upsert is one append.
type Store struct {
	mu    sync.Mutex
	path  string
	peers map[string]Peer
}

type diskPeer struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr,omitempty"`
	Pub    string `json:"pub,omitempty"`
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	s := &Store{
		path:  filepath.Join(dir, "peers.jsonl"),
		peers: make(map[string]Peer),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var dp diskPeer
		if err := json.Unmarshal(sc.Bytes(), &dp); err != nil {
			continue
		}
		if dp.NodeID == "" {
			continue
		}
		p := Peer{NodeID: dp.NodeID, Addr: dp.Addr}
		if dp.Pub != "" {
			raw, err := hex.DecodeString(dp.Pub)
			if err == nil && len(raw) == ed25519.PublicKeySize {
				p.Pub = raw
			}
		}
		s.peers[p.NodeID] = p
	}
	return sc.Err()
}

// Upsert records a peer, merging into any existing entry: a hello without an
// address must not erase a configured one, and vice versa.
func (s *Store) Upsert(p Peer) error {
	if p.NodeID == "" {
		return fmt.Errorf("missing node_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.peers[p.NodeID]; ok {
		if p.Addr == "" {
			p.Addr = old.Addr
		}
		if len(p.Pub) == 0 {
			p.Pub = old.Pub
		}
	}
	dp := diskPeer{NodeID: p.NodeID, Addr: p.Addr}
	if len(p.Pub) > 0 {
		dp.Pub = hex.EncodeToString(p.Pub)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(dp); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	s.peers[p.NodeID] = p
	return nil
}

// Get returns one peer by id.
func (s *Store) Get(nodeID string) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[nodeID]
	return p, ok
}

// List returns all known peers sorted by node id.
func (s *Store) List() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Reachable returns the peers that have a dial address.
func (s *Store) Reachable() []Peer {
	var out []Peer
	for _, p := range s.List() {
		if p.Addr != "" {
			out = append(out, p)
		}
	}
	return out
}
