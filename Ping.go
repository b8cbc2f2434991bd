/*
File Name:  Ping.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Pings are used to verify whether connections remain valid, and to measure the round-trip time.
They are also used as liveness probes before evicting a node from a full Kademlia bucket.
*/

package core

import (
	"sync"
	"time"
)

const (
	pingTime             = 10     // Send a ping if the last message was sent more than X seconds ago.
	connectionInvalidate = 22     // Invalidate the connection if the last valid packet was received more than X seconds ago. This "mirrors" 2 pings no responses (with some margin).
	connectionRemove     = 2 * 60 // Remove the connection X seconds after it was invalidated.
)

// pingConnection sends a ping to the target peer via the specified connection
func (peer *PeerInfo) pingConnection(connection *Connection) {
	sequence := peer.msgNewSequence(nil)

	err := peer.sendConnection(&PacketRaw{Command: CommandPing, Sequence: sequence.sequence}, connection)
	connection.LastPingOut = time.Now()

	if (connection.Status == ConnectionActive || connection.Status == ConnectionRedundant) && IsNetworkErrorFatal(err) {
		peer.invalidateActiveConnection(connection)
	}
}

// pingProbe is attached to the sequence of a liveness probe. The channel is closed when the Pong arrives.
type pingProbe struct {
	result    chan struct{}
	once      sync.Once
	cancelled bool
}

// complete marks the probe as answered. Duplicate pongs are harmless.
func (probe *pingProbe) complete() {
	probe.once.Do(func() {
		close(probe.result)
	})
}

// cancel unblocks the waiting probe with a negative result. Used on shutdown.
func (probe *pingProbe) cancel() {
	probe.once.Do(func() {
		probe.cancelled = true
		close(probe.result)
	})
}

// pingNodeBlocking sends a ping to the peer and waits for the Pong. It is used as challenge before evicting nodes from full buckets.
func pingNodeBlocking(peer *PeerInfo, timeout time.Duration) (alive bool) {
	probe := &pingProbe{result: make(chan struct{})}
	sequence := peer.msgNewSequence(probe)

	if err := peer.send(&PacketRaw{Command: CommandPing, Sequence: sequence.sequence}); err != nil {
		return false
	}

	select {
	case <-probe.result:
		return !probe.cancelled
	case <-time.After(timeout):
		return false
	}
}

// autoPingAll sends out regular pings to all connections and invalidates dead ones.
func autoPingAll() {
	for {
		select {
		case <-time.After(time.Second):
		case <-shutdownSignal:
			return
		}
		thresholdInvalidate1 := time.Now().Add(-connectionInvalidate * time.Second)
		thresholdInvalidate2 := time.Now().Add(-connectionInvalidate * time.Second * 4)
		thresholdPingOut1 := time.Now().Add(-pingTime * time.Second)
		thresholdPingOut2 := time.Now().Add(-pingTime * time.Second * 4)

		for _, peer := range PeerlistGet() {
			thresholdInv := thresholdInvalidate1
			thresholdPing := thresholdPingOut1

			// If the peer is considered non-essential in the Kademlia table, reduce ping overhead.
			if !nodesDHT.IsNodeCloseToSelf(peer.NodeID) {
				thresholdInv = thresholdInvalidate2
				thresholdPing = thresholdPingOut2
			}

			for _, connection := range peer.GetConnections(true) {
				// Invalidate the connection if no response was seen in time.
				if connection.LastPacketIn.Before(thresholdInv) && connection.LastPingOut.After(connection.LastPacketIn) {
					peer.invalidateActiveConnection(connection)
					continue
				}

				// Redundant connections are not regularly pinged, only the active one.
				if connection.Status == ConnectionRedundant {
					continue
				}

				if connection.LastPacketIn.Before(thresholdPing) && connection.LastPingOut.Before(thresholdPing) {
					peer.pingConnection(connection)
				}
			}

			for _, connection := range peer.GetConnections(false) {
				// Remove the connection after it was inactive for a while.
				if !connection.Expires.IsZero() && connection.Expires.Before(time.Now()) {
					peer.removeInactiveConnection(connection)
				}
			}

			// Remove the peer entirely if no connections remain.
			if len(peer.GetConnections(true)) == 0 && len(peer.GetConnections(false)) == 0 {
				PeerlistRemove(peer)
			}
		}
	}
}
