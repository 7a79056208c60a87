package swarm

import (
	"context"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/Nnubes256/IDIoT/bus"
	"github.com/Nnubes256/IDIoT/types"
	"github.com/Nnubes256/IDIoT/wire"
)

// actuatorProtocolID versions the remote-actuation stream protocol.
const actuatorProtocolID = protocol.ID("/idiot/actuators/1.0")

// RequestActuation sends one actuation request to a peer and waits for its
// response. Every failure mode on the requester side, dial errors, the
// timeout, cancellation, collapses to NoResponse: the requester learns
// nothing about the outcome and must not assume either way.
func (m *Manager) RequestActuation(ctx context.Context, p peer.ID, data types.FullActuatorData) types.ActuationResponse {
	reqCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	s, err := m.host.NewStream(reqCtx, p, actuatorProtocolID)
	if err != nil {
		slog.Debug("actuation stream open failed", "peer", p, "error", err)
		return types.NoResponse()
	}
	defer s.Close()

	deadline := time.Now().Add(m.requestTimeout)
	if d, ok := reqCtx.Deadline(); ok {
		deadline = d
	}
	_ = s.SetDeadline(deadline)

	if err := wire.WriteFrame(s, wire.EncodeActuatorData(data)); err != nil {
		slog.Debug("actuation request write failed", "peer", p, "error", err)
		s.Reset()
		return types.NoResponse()
	}

	payload, err := wire.ReadFrame(s)
	if err != nil {
		slog.Debug("actuation response read failed", "peer", p, "error", err)
		s.Reset()
		return types.NoResponse()
	}

	resp, err := wire.DecodeActuationResponse(payload)
	if err != nil {
		slog.Warn("malformed actuation response", "peer", p, "error", err)
		return types.NoResponse()
	}
	return resp
}

// handleActuationStream serves one inbound actuation request: decode,
// dispatch into the local supervisor, return the response verbatim.
func (m *Manager) handleActuationStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	_ = s.SetDeadline(time.Now().Add(m.requestTimeout))

	payload, err := wire.ReadFrame(s)
	if err != nil {
		slog.Debug("actuation request read failed", "peer", remote, "error", err)
		s.Reset()
		return
	}

	data, err := wire.DecodeActuatorData(payload)
	if err != nil {
		slog.Warn("malformed actuation request", "peer", remote, "error", err)
		s.Reset()
		return
	}

	slog.Info("remote actuation request",
		"peer", remote, "device", data.Device, "actuator", data.Actuator)

	ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
	defer cancel()
	resp := m.actuator.Actuate(ctx, data, bus.RemoteOrigin(remote))

	if err := wire.WriteFrame(s, wire.EncodeActuationResponse(resp)); err != nil {
		slog.Debug("actuation response write failed", "peer", remote, "error", err)
		s.Reset()
	}
}
