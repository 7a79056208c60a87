package swarm

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
)

func TestShouldDialPrefersSmallerPeerID(t *testing.T) {
	a := peer.ID("aaaa")
	b := peer.ID("bbbb")

	assert.True(t, shouldDial(a, b))
	assert.False(t, shouldDial(b, a))
	assert.False(t, shouldDial(a, a), "a node never dials itself")
}

func TestShouldDialIsAntisymmetric(t *testing.T) {
	ids := []peer.ID{"x", "yy", "yz", "z", "\x00", "\xff"}
	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			assert.NotEqual(t, shouldDial(a, b), shouldDial(b, a),
				"exactly one of (%q,%q) dials", a, b)
		}
	}
}

func TestReplayFilterSuppressesOldSequences(t *testing.T) {
	f := newReplayFilter()
	p := peer.ID("p1")

	assert.True(t, f.Observe(p, 5))
	assert.False(t, f.Observe(p, 5), "equal seq is a replay")
	assert.False(t, f.Observe(p, 3), "older seq is a replay")
	assert.True(t, f.Observe(p, 6))
	assert.False(t, f.Observe(p, 6))
}

func TestReplayFilterIsPerPeer(t *testing.T) {
	f := newReplayFilter()

	assert.True(t, f.Observe(peer.ID("p1"), 10))
	assert.True(t, f.Observe(peer.ID("p2"), 3), "peers have independent counters")
	assert.False(t, f.Observe(peer.ID("p2"), 3))
}

func TestReplayFilterForgetResetsPeer(t *testing.T) {
	f := newReplayFilter()
	p := peer.ID("p1")

	assert.True(t, f.Observe(p, 100))
	f.Forget(p)
	// A restarted peer starts its counter over.
	assert.True(t, f.Observe(p, 1))
}
