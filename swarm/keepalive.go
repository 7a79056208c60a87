package swarm

import (
	"context"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// connectionNotifee tracks connection lifecycles: it starts a keep-alive
// monitor per connected peer and declares the peer lost when its last
// connection goes away.
func (m *Manager) connectionNotifee(ctx context.Context) network.Notifiee {
	return &network.NotifyBundle{
		ConnectedF: func(net network.Network, conn network.Conn) {
			p := conn.RemotePeer()

			m.mu.Lock()
			_, monitored := m.monitors[p]
			if !monitored {
				monitorCtx, cancel := context.WithCancel(ctx)
				m.monitors[p] = cancel
				m.wg.Add(1)
				go func() {
					defer m.wg.Done()
					m.monitorPeer(monitorCtx, p)
				}()
			}
			m.mu.Unlock()

			if !monitored {
				slog.Info("peer connected", "peer", p, "addr", conn.RemoteMultiaddr())
				m.metrics.AddPeersConnected(1)
				// Make sure a freshly joined peer learns who we are
				// before the steady 30s tick.
				m.PublishIdentityNow()
			}
		},
		DisconnectedF: func(net network.Network, conn network.Conn) {
			p := conn.RemotePeer()
			if net.Connectedness(p) == network.Connected {
				return
			}

			m.mu.Lock()
			cancel, ok := m.monitors[p]
			delete(m.monitors, p)
			m.mu.Unlock()

			if !ok {
				return
			}
			cancel()

			slog.Info("peer lost", "peer", p)
			m.metrics.AddPeersConnected(-1)
			m.replay.Forget(p)
			m.store.ForgetPeer(p)
		},
	}
}

// monitorPeer pings one peer at the keep-alive cadence. Three consecutive
// failures close every connection to it, which trips DisconnectedF and the
// PeerLost flow.
func (m *Manager) monitorPeer(ctx context.Context, p peer.ID) {
	failures := 0
	results := m.ping.Ping(ctx, p)

	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				// The ping stream died; re-establish it and count the
				// miss.
				results = m.ping.Ping(ctx, p)
				failures++
			} else if res.Error != nil {
				failures++
				slog.Debug("keep-alive ping failed", "peer", p, "failures", failures, "error", res.Error)
			} else {
				failures = 0
			}
		}

		if failures >= pingFailureLimit {
			slog.Warn("keep-alive failed, closing connection", "peer", p, "failures", failures)
			if err := m.host.Network().ClosePeer(p); err != nil {
				slog.Debug("close peer failed", "peer", p, "error", err)
			}
			return
		}
	}
}
