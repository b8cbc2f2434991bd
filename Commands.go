/*
File Name:  Commands.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package core

import (
	"bytes"
	"time"

	"github.com/bazaarnet/core/dht"
)

// respondClosesContactsCount is the number of closest contact to respond.
// Each peer record takes 56 bytes. It makes sense to stay below 508 bytes (no fragmentation). Reporting back 5 contacts for FIND_SELF requests should do the magic.
const respondClosesContactsCount = 5

// cmdAnouncement handles an incoming announcement
func (peer *PeerInfo) cmdAnouncement(msg *MessageAnnouncement) {
	var added bool
	if peer == nil {
		peer, added = PeerlistAdd(msg.SenderPublicKey, msg.connection)
		if peer == nil {
			return
		}
	}

	// Filter function to only share peers that are "connectable" to the remote one. It checks IPv4, IPv6, and local connection.
	filterFunc := func(allowLocal, allowIPv4, allowIPv6 bool) dht.NodeFilterFunc {
		return func(node *dht.Node) (accept bool) {
			return node.Info.(*PeerInfo).IsConnectable(allowLocal, allowIPv4, allowIPv6)
		}
	}

	allowIPv4 := msg.Features&(1<<FeatureIPv4Listen) > 0
	allowIPv6 := msg.Features&(1<<FeatureIPv6Listen) > 0

	var hash2Peers []Hash2Peer
	var hashesNotFound [][]byte
	var dataEmbed []EmbeddedDataRecord

	// FIND_SELF: Requesting peers close to the sender?
	if msg.Actions&(1<<ActionFindSelf) > 0 {
		Filters.IncomingRequest(peer, ActionFindSelf, peer.NodeID, nil)

		selfD := Hash2Peer{ID: KeyHash{peer.NodeID}}

		// do not respond the caller's own peer (add to ignore list)
		for _, node := range nodesDHT.GetClosestContacts(respondClosesContactsCount, peer.NodeID, filterFunc(msg.connection.IsLocal(), allowIPv4, allowIPv6), peer.NodeID) {
			if info := node.Info.(*PeerInfo).peer2Record(msg.connection.IsLocal(), allowIPv4, allowIPv6); info != nil {
				selfD.Closest = append(selfD.Closest, *info)
			}
		}

		if len(selfD.Closest) > 0 {
			hash2Peers = append(hash2Peers, selfD)
		} else {
			hashesNotFound = append(hashesNotFound, peer.NodeID)
		}
	}

	// FIND_PEER: Find a different peer?
	if msg.Actions&(1<<ActionFindPeer) > 0 && len(msg.FindPeerKeys) > 0 {
		for _, findPeer := range msg.FindPeerKeys {
			Filters.IncomingRequest(peer, ActionFindPeer, findPeer.Hash, nil)

			details := Hash2Peer{ID: findPeer}

			for _, node := range nodesDHT.GetClosestContacts(respondClosesContactsCount, findPeer.Hash, filterFunc(msg.connection.IsLocal(), allowIPv4, allowIPv6)) {
				if info := node.Info.(*PeerInfo).peer2Record(msg.connection.IsLocal(), allowIPv4, allowIPv6); info != nil {
					details.Closest = append(details.Closest, *info)
				}
			}

			if len(details.Closest) > 0 {
				hash2Peers = append(hash2Peers, details)
			} else {
				hashesNotFound = append(hashesNotFound, findPeer.Hash)
			}
		}
	}

	// FIND_VALUE: Find data stored in the DHT?
	if msg.Actions&(1<<ActionFindValue) > 0 {
		for _, findHash := range msg.FindDataKeys {
			Filters.IncomingRequest(peer, ActionFindValue, findHash.Hash, nil)

			if data, found := announcementGetData(findHash.Hash); found && len(data) <= EmbeddedDataSizeMax {
				dataEmbed = append(dataEmbed, EmbeddedDataRecord{ID: findHash, Data: data})
			} else if found {
				// Too big to embed: report self as storing peer so the caller can fetch it directly.
				selfRecord := selfPeerRecord(msg.connection.Network)
				hash2Peers = append(hash2Peers, Hash2Peer{ID: findHash, Storing: []PeerRecord{selfRecord}})
			} else {
				// Also report the closest peers to the hash, the caller continues the lookup with them.
				details := Hash2Peer{ID: findHash}

				for _, node := range nodesDHT.GetClosestContacts(respondClosesContactsCount, findHash.Hash, filterFunc(msg.connection.IsLocal(), allowIPv4, allowIPv6)) {
					if info := node.Info.(*PeerInfo).peer2Record(msg.connection.IsLocal(), allowIPv4, allowIPv6); info != nil {
						details.Closest = append(details.Closest, *info)
					}
				}

				if len(details.Closest) > 0 {
					hash2Peers = append(hash2Peers, details)
				} else {
					hashesNotFound = append(hashesNotFound, findHash.Hash)
				}
			}
		}
	}

	// INFO_STORE: Records the sender asks to store?
	if msg.Actions&(1<<ActionInfoStore) > 0 && len(msg.InfoStoreFiles) > 0 {
		peer.announcementStore(msg.InfoStoreFiles)
	}

	peer.sendResponse(msg.Sequence, added, hash2Peers, dataEmbed, hashesNotFound)
}

// peer2Record returns the peer as a sharable record. Nil if no suitable connection to share.
func (peer *PeerInfo) peer2Record(allowLocal, allowIPv4, allowIPv6 bool) (result *PeerRecord) {
	connection := peer.GetConnection2Share(allowLocal, allowIPv4, allowIPv6)
	if connection == nil {
		return nil
	}

	return &PeerRecord{
		PublicKey:   peer.PublicKey,
		NodeID:      peer.NodeID,
		IP:          connection.Address.IP,
		Port:        uint16(connection.Address.Port),
		LastContact: uint32(time.Since(connection.LastPacketIn) / time.Second),
	}
}

// cmdResponse handles the response to the announcement. The sequence info links it to the operation that sent the request.
func (peer *PeerInfo) cmdResponse(msg *MessageResponse, sequenceInfo *sequenceExpiry) {
	if peer == nil {
		peer, _ = PeerlistAdd(msg.SenderPublicKey, msg.connection)
		if peer == nil {
			return
		}
	}

	nodesDHT.MarkNodeAsSeen(peer.NodeID)

	switch data := sequenceInfo.data.(type) {
	case *dht.InformationRequest:
		// Response to a FIND_PEER or FIND_VALUE request of an iterative lookup.
		for _, dataE := range msg.DataEmbed {
			if bytes.Equal(dataE.ID.Hash, data.Key) {
				data.QueueResult(&dht.NodeMessage{SenderID: peer.NodeID, Data: dataE.Data})
				return
			}
		}

		for _, hash2Peer := range msg.Hash2Peers {
			if bytes.Equal(hash2Peer.ID.Hash, data.Key) {
				data.QueueResult(&dht.NodeMessage{SenderID: peer.NodeID, Closest: records2Nodes(hash2Peer.Closest, msg.connection.Network), Storing: records2Nodes(hash2Peer.Storing, msg.connection.Network)})
				return
			}
		}

		// All hashes reported as not found. An empty reply completes this node in the request.
		data.QueueResult(&dht.NodeMessage{SenderID: peer.NodeID})

	case *bootstrapFindSelf:
		// Response to a bootstrap FIND_SELF request.
		for _, hash2Peer := range msg.Hash2Peers {
			if bytes.Equal(hash2Peer.ID.Hash, nodeID) {
				peer.cmdResponseBootstrapFindSelf(msg, hash2Peer.Closest)
				return
			}
		}
	}
}

// cmdPing handles an incoming ping message
func (peer *PeerInfo) cmdPing(msg *MessageRaw) {
	if peer == nil {
		// Unexpected incoming ping, reply with announce message
		peer, _ = PeerlistAdd(msg.SenderPublicKey, msg.connection)
		if peer == nil {
			return
		}
		peer.sendAnnouncement(true, true, nil, nil, nil, nil)
	}

	peer.send(&PacketRaw{Command: CommandPong, Sequence: msg.Sequence})
}

// cmdPong handles an incoming pong message
func (peer *PeerInfo) cmdPong(msg *MessageRaw, sequenceInfo *sequenceExpiry) {
	// If the sequence belongs to a liveness probe, complete it.
	if probe, ok := sequenceInfo.data.(*pingProbe); ok {
		msgInvalidateSequence(msg)
		probe.complete()
	}
}

// cmdLocalDiscovery handles an incoming announcement via local discovery
func (peer *PeerInfo) cmdLocalDiscovery(msg *MessageAnnouncement) {
	// only accept local discovery message from private IPs for IPv4
	// IPv6 DHCP routers typically assign public IPv6s and they can join multicast in the local network.
	if msg.connection.IsIPv4() && !msg.connection.IsLocal() {
		Filters.LogError("cmdLocalDiscovery", "message received from non-local IP %s\n", msg.connection.Address.String())
		return
	}

	if peer == nil {
		peer, _ = PeerlistAdd(msg.SenderPublicKey, msg.connection)
		if peer == nil {
			return
		}
	}

	// Reply unicast with an announcement so both sides register each other.
	peer.sendAnnouncement(true, true, nil, nil, nil, nil)
}
