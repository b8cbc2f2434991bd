/*
File Name:  Kademlia.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Interface between the Kademlia library and the network.
*/

package core

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/bazaarnet/core/dht"
)

var nodesDHT *dht.DHT

// errPeerUnavailable is queued as reply for nodes that carry no usable peer info
var errPeerUnavailable = errors.New("peer unavailable")

const alpha = 3       // Count of nodes to contact in parallel for each lookup round
const bucketSize = 20 // Count of nodes per bucket

func initKademlia() {
	nodesDHT = dht.NewDHT(&dht.Node{ID: nodeID}, 256, bucketSize, alpha)

	// ChallengeNode probes the least recently seen node of a full bucket. The incumbent is only
	// evicted if it does not answer the ping in time.
	nodesDHT.ChallengeNode = func(incumbent, candidate *dht.Node) (evict bool) {
		peer, ok := incumbent.Info.(*PeerInfo)
		if !ok || peer == nil {
			return true
		}

		return !pingNodeBlocking(peer, nodesDHT.TMsgTimeout)
	}

	// SendRequestStore asks the remote node to store the record. The data is embedded in the announcement.
	nodesDHT.SendRequestStore = func(node *dht.Node, key []byte, data []byte) {
		peer, ok := node.Info.(*PeerInfo)
		if !ok || peer == nil {
			return
		}

		// The first byte of marketplace records is the record type.
		recordType := uint8(RecordTypeListing)
		if len(data) > 0 {
			recordType = data[0]
		}

		peer.sendAnnouncement(false, false, nil, nil, []InfoStore{{ID: KeyHash{Hash: key}, Size: uint64(len(data)), Type: recordType, Data: data}}, nil)
	}

	// SendRequestFindNode contacts the nodes of the information request with FIND_PEER (or FIND_SELF for the own node ID)
	nodesDHT.SendRequestFindNode = func(request *dht.InformationRequest) {
		for _, node := range request.Nodes {
			peer, ok := node.Info.(*PeerInfo)
			if !ok || peer == nil {
				request.QueueResult(&dht.NodeMessage{SenderID: node.ID, Error: errPeerUnavailable})
				continue
			}

			peer.sendAnnouncementFindNode(request)
		}
	}

	// SendRequestFindValue contacts the nodes of the information request with FIND_VALUE
	nodesDHT.SendRequestFindValue = func(request *dht.InformationRequest) {
		for _, node := range request.Nodes {
			peer, ok := node.Info.(*PeerInfo)
			if !ok || peer == nil {
				request.QueueResult(&dht.NodeMessage{SenderID: node.ID, Error: errPeerUnavailable})
				continue
			}

			peer.sendAnnouncementFindValue(request)
		}
	}

	nodesDHT.FilterSearchStatus = Filters.DHTSearchStatus
}

// sendAnnouncementFindNode sends the information request to the peer. The sequence carries the request so the Response is delivered back to it.
func (peer *PeerInfo) sendAnnouncementFindNode(request *dht.InformationRequest) {
	// If the key is self, send it as FIND_SELF.
	if bytes.Equal(request.Key, nodeID) {
		peer.sendAnnouncement(false, true, nil, nil, nil, request)
	} else {
		peer.sendAnnouncement(false, false, []KeyHash{{Hash: request.Key}}, nil, nil, request)
	}
}

// sendAnnouncementFindValue sends the information request to the peer.
func (peer *PeerInfo) sendAnnouncementFindValue(request *dht.InformationRequest) {
	peer.sendAnnouncement(false, false, nil, []KeyHash{{Hash: request.Key}}, nil, request)
}

// bootstrapKademlia bootstraps the Kademlia table. It waits until there are at least 2 peers
// in the peer list, then refreshes the buckets to fill the local view of the network.
func bootstrapKademlia() {
	monitor := make(chan *PeerInfo)
	registerPeerMonitor(monitor)

	// Wait until there are at least 2 peers connected.
	for {
		select {
		case <-monitor:
		case <-shutdownSignal:
			unregisterPeerMonitor(monitor)
			return
		}
		if nodesDHT.NumNodes() >= 2 {
			break
		}
	}

	unregisterPeerMonitor(monitor)

	// Refresh every single bucket. This increases the view of the network and gives us a list of close nodes.
	nodesDHT.RefreshBuckets(0)
}

// autoBucketRefresh refreshes buckets every hour to counteract node churn.
// Buckets with a sufficient number of nodes are skipped outside of the full refresh.
func autoBucketRefresh() {
	for minute := 10; ; minute += 10 {
		select {
		case <-time.After(time.Minute * 10):
		case <-shutdownSignal:
			return
		}

		target := alpha
		if minute%60 == 0 {
			target = 0
		}

		nodesDHT.RefreshBuckets(target)
	}
}

// Data2Hash returns the hash for the data. It is the key under which the data is stored in the DHT.
func Data2Hash(data []byte) (hash []byte) {
	return hashData(data)
}

// GetData returns the requested data. It first checks the local store, then tries the DHT.
func GetData(hash []byte) (data []byte, found bool) {
	if data, found = GetDataLocal(hash); found {
		return data, found
	}

	return GetDataDHT(hash)
}

// GetDataLocal returns data from the local store
func GetDataLocal(hash []byte) (data []byte, found bool) {
	return dhtStore.Retrieve(hash)
}

// GetDataDHT requests data from the DHT
func GetDataDHT(hash []byte) (data []byte, found bool) {
	data, _, found, err := nodesDHT.Get(hash)
	if err != nil {
		Filters.LogError("GetDataDHT", "getting data for hash '%x': %v\n", hash, err.Error())
	}

	return data, found
}

// StoreDataLocal stores the data into the local store with the given expiration.
func StoreDataLocal(data []byte, expiration int64) (err error) {
	key := hashData(data)
	return dhtStore.StoreExpire(key, data, expiration)
}

// StoreDataDHT stores the data into the local store and sends it to the closest peers on the network.
func StoreDataDHT(data []byte, expiration int64) (err error) {
	key := hashData(data)
	if err = dhtStore.StoreExpire(key, data, expiration); err != nil {
		return err
	}
	return nodesDHT.Store(key, data, bucketSize)
}

// ---- peer monitor ----

// Monitored channels receive newly connected peers. Used by bootstrap to wait for connectivity.
var peerMonitor []chan<- *PeerInfo
var peerMonitorMutex sync.Mutex

func registerPeerMonitor(channel chan<- *PeerInfo) {
	peerMonitorMutex.Lock()
	defer peerMonitorMutex.Unlock()

	peerMonitor = append(peerMonitor, channel)
}

func unregisterPeerMonitor(channel chan<- *PeerInfo) {
	peerMonitorMutex.Lock()
	defer peerMonitorMutex.Unlock()

	for n, channelE := range peerMonitor {
		if channelE == channel {
			peerMonitorNew := peerMonitor[:n]
			if n < len(peerMonitor)-1 {
				peerMonitorNew = append(peerMonitorNew, peerMonitor[n+1:]...)
			}
			peerMonitor = peerMonitorNew
			break
		}
	}
}

// notifyPeerMonitors notifies all registered monitors of a new peer. It does not block on slow receivers.
func notifyPeerMonitors(peer *PeerInfo) {
	peerMonitorMutex.Lock()
	defer peerMonitorMutex.Unlock()

	for _, channel := range peerMonitor {
		select {
		case channel <- peer:
		default:
		}
	}
}
