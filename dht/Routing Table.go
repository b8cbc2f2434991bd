/*
File Name:  Routing Table.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Kademlia-style routing table. One bucket per bit of the address space, each holding up to bucketSize peers.
A peer belongs to the bucket indexed by the highest differing bit between its ID and the local ID.
Buckets are ordered least recently seen first:
[ ][ ][ ][ ][ ][ ][ ][ ][ ][ ][ ][ ][ ][ ][ ][ ][ ][ ][ ][ ][ ]
 ^                                                           ^
 └ Least recently seen                    Most recently seen ┘
*/

package dht

import (
	"bytes"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// challengeFunc decides whether the least recently seen incumbent of a full bucket shall be
// evicted in favor of the candidate. It is called without any table lock held and is expected
// to perform a liveness probe of the incumbent, which may block for the probe timeout.
type challengeFunc func(incumbent, candidate *Node) (evict bool)

// routingTable holds all known nodes of the network, bucketed by distance to the local node.
type routingTable struct {
	// the local node
	self *Node

	// the size in bits of the keys used to identify nodes and store and retrieve data
	bits int

	// the maximum number of contacts stored in a bucket
	bucketSize int

	buckets [][]*Node // bits x bucketSize

	mutex sync.RWMutex
}

func newRoutingTable(self *Node, bits, bucketSize int) *routingTable {
	rt := &routingTable{
		self:       self,
		bits:       bits,
		bucketSize: bucketSize,
	}

	rt.buckets = make([][]*Node, rt.bits)
	return rt
}

// bucketIndex returns the bucket a given ID belongs to, which is derived from the
// highest differing bit compared to the local node ID.
func (rt *routingTable) bucketIndex(id []byte) int {
	// look at each byte from left to right
	for j := 0; j < len(id); j++ {
		xor := id[j] ^ rt.self.ID[j]

		// check each bit of the xored result from left to right
		for i := 0; i < 8; i++ {
			if hasBit(xor, uint(i)) {
				return rt.bits - (j*8 + i) - 1
			}
		}
	}

	// the ids must be equal, which should only happen during bootstrapping
	return 0
}

func (rt *routingTable) markSeen(index int, ID []byte) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	bucket := rt.buckets[index]
	nodeIndex := -1
	for i, v := range bucket {
		if bytes.Equal(v.ID, ID) {
			nodeIndex = i
			break
		}
	}

	if nodeIndex == -1 {
		return
	}

	n := bucket[nodeIndex]
	n.LastSeen = time.Now().UTC()

	bucket = append(bucket[:nodeIndex], bucket[nodeIndex+1:]...)
	bucket = append(bucket, n)
	rt.buckets[index] = bucket
}

func (rt *routingTable) existsInBucket(index int, ID []byte) (node *Node) {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()

	for _, node = range rt.buckets[index] {
		if bytes.Equal(node.ID, ID) {
			return node
		}
	}
	return nil
}

func (rt *routingTable) exists(ID []byte) (node *Node) {
	return rt.existsInBucket(rt.bucketIndex(ID), ID)
}

// insert adds a node into its bucket. If the bucket is full, the least recently seen incumbent
// is challenged via the provided function; it is only evicted if the challenge says so.
// Otherwise the new node is dropped. This bounds the table and biases it toward reachable peers.
func (rt *routingTable) insert(node *Node, challenge challengeFunc) {
	index := rt.bucketIndex(node.ID)

	// if the node already exists, mark it as seen
	if rt.existsInBucket(index, node.ID) != nil {
		rt.markSeen(index, node.ID)
		return
	}

	node.LastSeen = time.Now().UTC()

	rt.mutex.Lock()
	bucket := rt.buckets[index]

	if len(bucket) < rt.bucketSize {
		rt.buckets[index] = append(bucket, node)
		rt.mutex.Unlock()
		return
	}

	incumbent := bucket[0]
	rt.mutex.Unlock()

	// The challenge probes the incumbent on the network. It must run without the lock held.
	if challenge == nil || !challenge(incumbent, node) {
		return
	}

	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	bucket = rt.buckets[index]
	for i, v := range bucket {
		if bytes.Equal(v.ID, incumbent.ID) {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}

	if len(bucket) < rt.bucketSize {
		bucket = append(bucket, node)
	}

	rt.buckets[index] = bucket
}

func (rt *routingTable) remove(ID []byte) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	index := rt.bucketIndex(ID)
	bucket := rt.buckets[index]

	for i, v := range bucket {
		if bytes.Equal(v.ID, ID) {
			bucket = append(bucket[:i], bucket[i+1:]...)
		}
	}

	rt.buckets[index] = bucket
}

// closestContacts returns the closest nodes to the target, ordered by ascending xor distance.
// filterFunc is optional and allows the caller to filter the nodes.
func (rt *routingTable) closestContacts(count int, target []byte, filterFunc NodeFilterFunc, ignoredNodes ...[]byte) *shortList {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()

	// build the list of bucket indices adjacent to the target, closest first
	index := rt.bucketIndex(target)
	indexList := []int{index}
	for i, j := index-1, index+1; len(indexList) < rt.bits; i, j = i-1, j+1 {
		if j < rt.bits {
			indexList = append(indexList, j)
		}
		if i >= 0 {
			indexList = append(indexList, i)
		}
	}

	sl := newShortList(target)

	leftToAdd := count

	for leftToAdd > 0 && len(indexList) > 0 {
		index, indexList = indexList[0], indexList[1:]

	bucketLoop:
		for _, node := range rt.buckets[index] {
			for _, ignored := range ignoredNodes {
				if bytes.Equal(node.ID, ignored) {
					continue bucketLoop
				}
			}

			if filterFunc != nil && !filterFunc(node) {
				continue
			}

			sl.AppendUniqueNodes(node)
			leftToAdd--
			if leftToAdd == 0 {
				break
			}
		}
	}

	sort.Sort(sl)

	return sl
}

// randomIDForBucket generates an ID that falls into the given bucket, used for bucket refreshes.
func (rt *routingTable) randomIDForBucket(bucket int) []byte {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()

	// equal to the local ID up to the byte of the buckets differing bit
	byteIndex := (rt.bits - bucket - 1) / 8
	var id []byte
	id = append(id, rt.self.ID[:byteIndex]...)

	differingBitStart := (rt.bits - bucket - 1) % 8

	var firstByte byte
	for i := 0; i < 8; i++ {
		// follow the local ID up to the differing bit, then randomize
		var bit bool
		if i < differingBitStart {
			bit = hasBit(rt.self.ID[byteIndex], uint(i))
		} else if i == differingBitStart {
			bit = !hasBit(rt.self.ID[byteIndex], uint(i))
		} else {
			bit = rand.Intn(2) == 1
		}

		if bit {
			firstByte += byte(math.Pow(2, float64(7-i)))
		}
	}

	id = append(id, firstByte)

	// randomize the remaining bytes
	for i := byteIndex + 1; i < rt.bits/8; i++ {
		id = append(id, byte(rand.Intn(256)))
	}

	return id
}

func (rt *routingTable) totalPeers() int {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()

	var total int
	for _, bucket := range rt.buckets {
		total += len(bucket)
	}
	return total
}

func (rt *routingTable) peers() (nodes []*Node) {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()

	for _, bucket := range rt.buckets {
		nodes = append(nodes, bucket...)
	}
	return nodes
}

// peersPerBucket returns the count of nodes per bucket
func (rt *routingTable) peersPerBucket() (total []int) {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()

	for n := range rt.buckets {
		total = append(total, len(rt.buckets[n]))
	}

	return total
}

// hasBit determines the value of a particular bit in a byte by index
//
// Example:
// number:  1
// bits:    00000001
// pos:     01234567
func hasBit(n byte, pos uint) bool {
	pos = 7 - pos
	return n&(1<<pos) > 0
}
