package swarm

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"

	"github.com/Nnubes256/IDIoT/pkg/retry"
)

// shouldDial implements the duplicate-connection policy: when two nodes
// discover each other at the same time, only the one with the numerically
// smaller peer id dials; the other waits to be dialed.
func shouldDial(local, remote peer.ID) bool {
	return bytes.Compare([]byte(local), []byte(remote)) < 0
}

// discoveryNotifee receives mDNS announcements.
type discoveryNotifee struct {
	m   *Manager
	ctx context.Context
}

// HandlePeerFound dials newly discovered peers, or just records their
// addresses when the dial duty falls on the other side.
func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	m := n.m
	if pi.ID == m.host.ID() {
		return
	}
	if m.host.Network().Connectedness(pi.ID) == network.Connected {
		return
	}

	if !shouldDial(m.host.ID(), pi.ID) {
		// The remote has the smaller id; it will dial us. Keep its
		// addresses around so keep-alive and actuation streams resolve.
		m.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.TempAddrTTL)
		slog.Debug("discovered peer, awaiting its dial", "peer", pi.ID)
		return
	}

	slog.Info("discovered peer, dialing", "peer", pi.ID, "addrs", pi.Addrs)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		cfg := retry.Config{
			MaxAttempts:  4,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		}
		err := retry.Do(n.ctx, cfg, func() error {
			if m.host.Network().Connectedness(pi.ID) == network.Connected {
				return nil
			}
			dialCtx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
			defer cancel()
			return m.host.Connect(dialCtx, pi)
		})
		if err != nil && n.ctx.Err() == nil {
			// mDNS re-announces periodically; the next one retries.
			slog.Warn("dial failed", "peer", pi.ID, "error", err)
		}
	}()
}
