package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ledgermesh/internal/debuglog"
	"ledgermesh/internal/metrics"
	"ledgermesh/internal/network"
	"ledgermesh/internal/peer"
	"ledgermesh/internal/proto"
)

const defaultSendTimeout = 8 * time.Second

// SendFunc is the transport seam; tests swap it out.
type SendFunc func(ctx context.Context, addr string, data []byte, insecure bool) error

// PeerError reports one failed delivery. A broadcast returns all of them
// joined; delivery to the remaining peers is never aborted.
type PeerError struct {
	NodeID string
	Addr   string
	Err    error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("send to %s (%s): %v", e.NodeID, e.Addr, e.Err)
}

func (e *PeerError) Unwrap() error { return e.Err }

// Broadcaster fans a message out to every known peer with an address.
// Fire-and-forget: no retries, no acknowledgments.
type Broadcaster struct {
	Peers    *peer.Store
	Metrics  *metrics.Metrics
	Insecure bool
	Timeout  time.Duration
	Send     SendFunc
}

func New(peers *peer.Store, m *metrics.Metrics, insecure bool) *Broadcaster {
	return &Broadcaster{
		Peers:    peers,
		Metrics:  m,
		Insecure: insecure,
		Timeout:  defaultSendTimeout,
		Send:     network.Send,
	}
}

// SendToAll encodes the envelope once and delivers it to all reachable
// peers. Per-peer failures are collected, not fatal to the fan-out.
func (b *Broadcaster) SendToAll(ctx context.Context, env proto.Envelope) error {
	data, err := proto.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return b.SendRaw(ctx, data)
}

// SendRaw delivers an already-encoded payload to all reachable peers.
func (b *Broadcaster) SendRaw(ctx context.Context, data []byte) error {
	peers := b.Peers.Reachable()
	if len(peers) == 0 {
		debuglog.Debugf("broadcast: no reachable peers")
		return nil
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	send := b.Send
	if send == nil {
		send = network.Send
	}

	errCh := make(chan error, len(peers))
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p peer.Peer) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := send(sendCtx, p.Addr, data, b.Insecure); err != nil {
				if b.Metrics != nil {
					b.Metrics.IncPeerFailures()
				}
				errCh <- &PeerError{NodeID: p.NodeID, Addr: p.Addr, Err: err}
			}
		}(p)
	}
	wg.Wait()
	close(errCh)

	if b.Metrics != nil {
		b.Metrics.IncBroadcastSent()
	}
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
