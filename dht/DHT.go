/*
File Name:  DHT.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

A Kademlia implementation without any direct network and store code. The caller provides the
network send functions; replies are delivered through information requests. Iterative lookups
contact the alpha closest uncontacted nodes per round and stop once a round produces no node
closer than the best known one, or after maxRounds (a liveness bound against looping or
adversarial responses).
*/

package dht

import (
	"bytes"
	"errors"
	"sort"
	"time"
)

// Actions of information requests
const (
	ActionFindNode  = 0 // FIND_NODE: request the closest nodes to the key
	ActionFindValue = 1 // FIND_VALUE: request the value stored under the key, or the closest nodes
)

// maxRounds bounds the number of iterative lookup rounds
const maxRounds = 16

// DHT represents the state of the local node in the distributed hash table
type DHT struct {
	rt *routingTable

	// A small number representing the degree of parallelism in network calls.
	// The alpha amount of nodes will be contacted in parallel for finding the target.
	alpha int

	// Functions below must be set and provided by the caller.

	// ChallengeNode probes the least recently seen incumbent of a full bucket and reports whether
	// it shall be evicted in favor of the candidate. It blocks for the duration of the probe.
	ChallengeNode func(incumbent, candidate *Node) (evict bool)

	// SendRequestStore asks the remote node to store the given key-value.
	SendRequestStore func(node *Node, key []byte, data []byte)

	// SendRequestFindNode sends an information request to find the closest nodes to a key.
	SendRequestFindNode func(request *InformationRequest)

	// SendRequestFindValue sends an information request to find data.
	SendRequestFindValue func(request *InformationRequest)

	// FilterSearchStatus is called with status updates of lookups
	FilterSearchStatus func(function, format string, v ...interface{})

	// TMsgTimeout is the maximum time to wait for replies to one round of requests
	TMsgTimeout time.Duration
}

// NewDHT initializes a new DHT node with default values.
func NewDHT(self *Node, bits, bucketSize, alpha int) *DHT {
	return &DHT{
		rt:                 newRoutingTable(self, bits, bucketSize),
		alpha:              alpha,
		TMsgTimeout:        2 * time.Second,
		FilterSearchStatus: func(function, format string, v ...interface{}) {},
	}
}

// NumNodes returns the total number of nodes stored in the local routing table
func (dht *DHT) NumNodes() int {
	return dht.rt.totalPeers()
}

// Nodes returns the nodes stored in the local routing table
func (dht *DHT) Nodes() []*Node {
	return dht.rt.peers()
}

// GetSelfID returns the identifier of the local node
func (dht *DHT) GetSelfID() []byte {
	return dht.rt.self.ID
}

// AddNode adds a node into the appropriate bucket. If the bucket is full, the least recently
// seen incumbent is challenged with a liveness probe via ChallengeNode and only evicted if
// the probe fails.
func (dht *DHT) AddNode(node *Node) {
	dht.rt.insert(node, dht.ChallengeNode)
}

// RemoveNode removes a node from the routing table
func (dht *DHT) RemoveNode(ID []byte) {
	dht.rt.remove(ID)
}

// IsNodeContact checks if the node is in the local routing table
func (dht *DHT) IsNodeContact(ID []byte) (node *Node) {
	return dht.rt.exists(ID)
}

// GetClosestContacts returns the closest nodes to the target from the local routing table.
// filterFunc is optional and allows the caller to filter the nodes.
func (dht *DHT) GetClosestContacts(count int, target []byte, filterFunc NodeFilterFunc, ignoredNodes ...[]byte) []*Node {
	closest := dht.rt.closestContacts(count, target, filterFunc, ignoredNodes...)
	return closest.Nodes
}

// MarkNodeAsSeen marks a node as seen, which pushes it to the top in its bucket.
func (dht *DHT) MarkNodeAsSeen(ID []byte) {
	dht.rt.markSeen(dht.rt.bucketIndex(ID), ID)
}

// IsNodeCloseToSelf checks if the node is among the closest bucket-size contacts to self.
// Those nodes are essential for the local view of the network and warrant closer liveness monitoring.
func (dht *DHT) IsNodeCloseToSelf(ID []byte) bool {
	closest := dht.rt.closestContacts(dht.rt.bucketSize, dht.rt.self.ID, nil)

	for _, node := range closest.Nodes {
		if bytes.Equal(node.ID, ID) {
			return true
		}
	}

	return false
}

// IsNodeCloser compares 2 nodes to self. If true, the first node is closer (= smaller distance) to self than the second.
func (dht *DHT) IsNodeCloser(node1, node2 []byte) bool {
	iDist := getDistance(node1, dht.rt.self.ID)
	jDist := getDistance(node2, dht.rt.self.ID)

	return iDist.Cmp(jDist) == -1
}

// ---- iterative network queries ----

// Lookups seed their shortlist with the bucket-size closest local contacts and contact the
// alpha closest uncontacted ones per round.

// lookupRound sends one round of information requests and merges the replies into the shortlist.
// It reports whether a value was found (find-value lookups only).
func (dht *DHT) lookupRound(action int, key []byte, sl *shortList, queryAll bool) (data []byte, senderID []byte, found bool) {
	nodes := sl.GetUncontacted(dht.alpha, !queryAll)
	if len(nodes) == 0 {
		return nil, nil, false
	}

	request := dht.NewInformationRequest(action, key, nodes)
	switch action {
	case ActionFindNode:
		dht.SendRequestFindNode(request)
	case ActionFindValue:
		dht.SendRequestFindValue(request)
	}

	results := request.CollectResults(dht.TMsgTimeout)
	request.Terminate()

	for _, result := range results {
		if result.Error != nil {
			// Individual node failures are non-fatal; the node is dropped from consideration.
			sl.RemoveNode(result.SenderID)
			continue
		}
		if action == ActionFindValue && len(result.Data) > 0 {
			return result.Data, result.SenderID, true
		}
		sl.AppendUniqueNodes(result.Storing...)
		sl.AppendUniqueNodes(result.Closest...)
	}

	sort.Sort(sl)

	return nil, nil, false
}

// Store informs the closestCount closest nodes to the key that they shall store the value.
// The closest nodes are determined by an iterative FIND_NODE lookup first.
func (dht *DHT) Store(key []byte, data []byte, closestCount int) (err error) {
	if len(key)*8 != dht.rt.bits {
		return errors.New("invalid key size")
	}

	sl := dht.rt.closestContacts(dht.rt.bucketSize, key, nil)
	if len(sl.Nodes) == 0 {
		return nil
	}

	closestNode := sl.Nodes[0]

	for round := 0; round < maxRounds; round++ {
		dht.lookupRound(ActionFindNode, key, sl, false)

		if len(sl.Nodes) == 0 {
			return nil
		}

		// if the closest node is unchanged the lookup converged
		if bytes.Equal(sl.Nodes[0].ID, closestNode.ID) || round == maxRounds-1 {
			for i, node := range sl.Nodes {
				if i >= closestCount {
					break
				}

				dht.SendRequestStore(node, key, data)
			}
			return nil
		}

		closestNode = sl.Nodes[0]
	}

	return nil
}

// Get retrieves data from the network using the key. A lookup that exhausts all candidates
// without finding the value returns found = false, never an error.
func (dht *DHT) Get(key []byte) (data []byte, senderID []byte, found bool, err error) {
	if len(key)*8 != dht.rt.bits {
		return nil, nil, false, errors.New("invalid key size")
	}

	sl := dht.rt.closestContacts(dht.rt.bucketSize, key, nil)
	if len(sl.Nodes) == 0 {
		return nil, nil, false, nil
	}

	closestNode := sl.Nodes[0]

	for round := 0; round < maxRounds; round++ {
		dht.FilterSearchStatus("dht.Get", "lookup round %d, %d candidates\n", round, len(sl.Nodes))

		if data, senderID, found = dht.lookupRound(ActionFindValue, key, sl, false); found {
			return data, senderID, true, nil
		}

		if len(sl.Nodes) == 0 {
			return nil, nil, false, nil
		}

		// if the closest node is unchanged the lookup converged without finding the value
		if bytes.Equal(sl.Nodes[0].ID, closestNode.ID) {
			return nil, nil, false, nil
		}

		closestNode = sl.Nodes[0]
	}

	return nil, nil, false, nil
}

// FindNode performs an iterative lookup for the target and returns the closest nodes found,
// ordered by ascending distance to the target. The target itself, if reachable, appears first.
func (dht *DHT) FindNode(target []byte) (closest []*Node, err error) {
	if len(target)*8 != dht.rt.bits {
		return nil, errors.New("invalid key size")
	}

	sl := dht.rt.closestContacts(dht.rt.bucketSize, target, nil)
	if len(sl.Nodes) == 0 {
		return nil, nil
	}

	// After a round fails to provide a node closer than the best known, one final round
	// queries all remaining uncontacted nodes in the shortlist (per the Kademlia paper).
	queryRest := false

	closestNode := sl.Nodes[0]

	for round := 0; round < maxRounds; round++ {
		dht.lookupRound(ActionFindNode, target, sl, queryRest)

		if len(sl.Nodes) == 0 {
			return nil, nil
		}

		if bytes.Equal(sl.Nodes[0].ID, closestNode.ID) || queryRest {
			if !queryRest {
				queryRest = true
				continue
			}
			break
		}

		closestNode = sl.Nodes[0]
	}

	count := dht.rt.bucketSize
	if count > len(sl.Nodes) {
		count = len(sl.Nodes)
	}

	return sl.Nodes[:count], nil
}

// ---- DHT health ----

// RefreshBuckets refreshes all buckets not meeting the target node count. 0 to refresh all.
// The bucket covering the local ID is refreshed with the local ID itself, making the table
// most accurate in the neighborhood of self.
func (dht *DHT) RefreshBuckets(target int) {
	for bucket, total := range dht.rt.peersPerBucket() {
		if target == 0 || total < target {
			nodeR := dht.rt.randomIDForBucket(bucket)

			if bucket == 0 {
				nodeR = dht.rt.self.ID
			}

			dht.FindNode(nodeR)
		}
	}
}
