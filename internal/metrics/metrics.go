package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Commands    CommandMetrics   `json:"commands"`
	Broadcast   BroadcastMetrics `json:"broadcast"`
	Recv        RecvMetrics      `json:"recv"`
}

type CommandMetrics struct {
	AppliedLocal  uint64 `json:"applied_local"`
	AppliedRemote uint64 `json:"applied_remote"`
	Rejected      uint64 `json:"rejected"`
}

type BroadcastMetrics struct {
	Sent         uint64 `json:"sent"`
	PeerFailures uint64 `json:"peer_failures"`
}

type RecvMetrics struct {
	DecodeRejected uint64 `json:"decode_rejected"`
	SigRejected    uint64 `json:"sig_rejected"`
	Duplicates     uint64 `json:"duplicates"`
	Hellos         uint64 `json:"hellos"`
}

type Metrics struct {
	appliedLocal   atomic.Uint64
	appliedRemote  atomic.Uint64
	rejected       atomic.Uint64
	broadcastSent  atomic.Uint64
	peerFailures   atomic.Uint64
	decodeRejected atomic.Uint64
	sigRejected    atomic.Uint64
	duplicates     atomic.Uint64
	hellos         atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncAppliedLocal()   { m.appliedLocal.Add(1) }
func (m *Metrics) IncAppliedRemote()  { m.appliedRemote.Add(1) }
func (m *Metrics) IncRejected()       { m.rejected.Add(1) }
func (m *Metrics) IncBroadcastSent()  { m.broadcastSent.Add(1) }
func (m *Metrics) IncPeerFailures()   { m.peerFailures.Add(1) }
func (m *Metrics) IncDecodeRejected() { m.decodeRejected.Add(1) }
func (m *Metrics) IncSigRejected()    { m.sigRejected.Add(1) }
func (m *Metrics) IncDuplicates()     { m.duplicates.Add(1) }
func (m *Metrics) IncHellos()         { m.hellos.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Commands: CommandMetrics{
			AppliedLocal:  m.appliedLocal.Load(),
			AppliedRemote: m.appliedRemote.Load(),
			Rejected:      m.rejected.Load(),
		},
		Broadcast: BroadcastMetrics{
			Sent:         m.broadcastSent.Load(),
			PeerFailures: m.peerFailures.Load(),
		},
		Recv: RecvMetrics{
			DecodeRejected: m.decodeRejected.Load(),
			SigRejected:    m.sigRejected.Load(),
			Duplicates:     m.duplicates.Load(),
			Hellos:         m.hellos.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
