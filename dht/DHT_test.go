/*
File Name:  DHT_test.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package dht

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"
)

const testBits = 256
const testBucketSize = 20
const testAlpha = 3

func testNodeID(seed string) []byte {
	hash := blake3.Sum256([]byte(seed))
	return hash[:]
}

func newTestDHT(selfSeed string) *DHT {
	d := NewDHT(&Node{ID: testNodeID(selfSeed)}, testBits, testBucketSize, testAlpha)
	d.TMsgTimeout = 100 * time.Millisecond
	d.ChallengeNode = func(incumbent, candidate *Node) bool { return false }
	d.SendRequestStore = func(node *Node, key []byte, data []byte) {}
	d.SendRequestFindNode = func(request *InformationRequest) {}
	d.SendRequestFindValue = func(request *InformationRequest) {}
	return d
}

func TestRoutingTableInsertLookup(t *testing.T) {
	d := newTestDHT("self")

	node := &Node{ID: testNodeID("peer 1")}
	d.AddNode(node)

	require.Equal(t, 1, d.NumNodes())

	closest := d.GetClosestContacts(1, node.ID, nil)
	require.Len(t, closest, 1)
	assert.Equal(t, node.ID, closest[0].ID)

	// inserting the same node again only marks it as seen
	d.AddNode(&Node{ID: testNodeID("peer 1")})
	assert.Equal(t, 1, d.NumNodes())
}

func TestRoutingTableBucketCap(t *testing.T) {
	d := newTestDHT("self")

	var challenged int
	var challengedMutex sync.Mutex
	d.ChallengeNode = func(incumbent, candidate *Node) bool {
		challengedMutex.Lock()
		challenged++
		challengedMutex.Unlock()
		return false // incumbent answers its probe, candidate is dropped
	}

	for n := 0; n < 1000; n++ {
		d.AddNode(&Node{ID: testNodeID(string(rune('a'+n%26)) + string(rune('0'+n/26)))})
	}

	for _, count := range d.rt.peersPerBucket() {
		assert.LessOrEqual(t, count, testBucketSize)
	}
}

func TestRoutingTableEvictionAfterFailedProbe(t *testing.T) {
	d := newTestDHT("self")

	// fill a single bucket beyond capacity; every incumbent fails its liveness probe
	d.ChallengeNode = func(incumbent, candidate *Node) bool { return true }

	var nodes []*Node
	for n := 0; n < 1000 && len(nodes) < testBucketSize+1; n++ {
		id := testNodeID(string(rune('a' + n)))
		if d.rt.bucketIndex(id) == testBits-1 { // the far bucket collects ~half of random IDs
			nodes = append(nodes, &Node{ID: id})
		}
	}
	require.Len(t, nodes, testBucketSize+1)

	for _, node := range nodes {
		d.AddNode(node)
	}

	// the oldest was evicted, the newest is present
	assert.Nil(t, d.IsNodeContact(nodes[0].ID))
	assert.NotNil(t, d.IsNodeContact(nodes[len(nodes)-1].ID))
	assert.Equal(t, testBucketSize, d.NumNodes())
}

func TestClosestContactsOrder(t *testing.T) {
	d := newTestDHT("self")

	target := testNodeID("target")

	for n := 0; n < 50; n++ {
		d.AddNode(&Node{ID: testNodeID("peer " + string(rune('a'+n)))})
	}

	closest := d.GetClosestContacts(10, target, nil)
	require.NotEmpty(t, closest)

	for n := 1; n < len(closest); n++ {
		prev := getDistance(closest[n-1].ID, target)
		cur := getDistance(closest[n].ID, target)
		assert.LessOrEqual(t, prev.Cmp(cur), 0, "contacts must be ordered by ascending distance")
	}
}

func TestMarkNodeAsSeenReordersBucket(t *testing.T) {
	d := newTestDHT("self")

	node1 := &Node{ID: testNodeID("peer 1")}
	node2 := &Node{ID: testNodeID("peer 2")}
	d.AddNode(node1)
	d.AddNode(node2)

	before := node1.LastSeen
	time.Sleep(10 * time.Millisecond)
	d.MarkNodeAsSeen(node1.ID)

	assert.True(t, node1.LastSeen.After(before))
}

// fakeNetwork wires a set of DHTs together in memory. Each node answers FIND_NODE with its
// closest known contacts and FIND_VALUE from its local value map.
type fakeNetwork struct {
	nodes  map[string]*DHT
	values map[string]map[string][]byte // node ID -> key -> value
	mutex  sync.Mutex
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		nodes:  make(map[string]*DHT),
		values: make(map[string]map[string][]byte),
	}
}

func (net *fakeNetwork) addNode(seed string) *DHT {
	d := newTestDHT(seed)

	d.SendRequestFindNode = func(request *InformationRequest) {
		for _, node := range request.Nodes {
			remote := net.nodes[string(node.ID)]
			if remote == nil {
				request.QueueResult(&NodeMessage{SenderID: node.ID, Error: errTestUnreachable})
				continue
			}
			closest := remote.GetClosestContacts(testAlpha, request.Key, nil, d.GetSelfID())
			request.QueueResult(&NodeMessage{SenderID: node.ID, Closest: cloneNodes(closest)})
		}
	}

	d.SendRequestFindValue = func(request *InformationRequest) {
		for _, node := range request.Nodes {
			remote := net.nodes[string(node.ID)]
			if remote == nil {
				request.QueueResult(&NodeMessage{SenderID: node.ID, Error: errTestUnreachable})
				continue
			}

			net.mutex.Lock()
			data, found := net.values[string(node.ID)][string(request.Key)]
			net.mutex.Unlock()

			if found {
				request.QueueResult(&NodeMessage{SenderID: node.ID, Data: data})
				continue
			}

			closest := remote.GetClosestContacts(testAlpha, request.Key, nil, d.GetSelfID())
			request.QueueResult(&NodeMessage{SenderID: node.ID, Closest: cloneNodes(closest)})
		}
	}

	d.SendRequestStore = func(node *Node, key []byte, data []byte) {
		net.mutex.Lock()
		defer net.mutex.Unlock()

		values := net.values[string(node.ID)]
		if values == nil {
			values = make(map[string][]byte)
			net.values[string(node.ID)] = values
		}
		values[string(key)] = data
	}

	net.nodes[string(d.GetSelfID())] = d
	net.values[string(d.GetSelfID())] = make(map[string][]byte)

	return d
}

var errTestUnreachable = &testError{"unreachable"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }

func cloneNodes(nodes []*Node) (clones []*Node) {
	for _, node := range nodes {
		clones = append(clones, &Node{ID: node.ID, LastSeen: node.LastSeen})
	}
	return clones
}

func (net *fakeNetwork) connectAll() {
	for _, d := range net.nodes {
		for _, other := range net.nodes {
			if !bytes.Equal(d.GetSelfID(), other.GetSelfID()) {
				d.AddNode(&Node{ID: other.GetSelfID()})
			}
		}
	}
}

func TestIterativeStoreAndGet(t *testing.T) {
	net := newFakeNetwork()

	var dhts []*DHT
	for n := 0; n < 20; n++ {
		dhts = append(dhts, net.addNode("node "+string(rune('a'+n))))
	}
	net.connectAll()

	key := testNodeID("some value key")
	value := []byte("signed listing payload")

	publisher := dhts[0]
	require.NoError(t, publisher.Store(key, value, testBucketSize))

	// the value must be retrievable from another node
	reader := dhts[7]
	data, senderID, found, err := reader.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, value, data)
	assert.NotEmpty(t, senderID)
}

func TestLookupQueriesAllClosestContacts(t *testing.T) {
	d := newTestDHT("self")

	// every contacted node fails, forcing the lookup to walk the full shortlist
	contacted := make(map[string]bool)
	var contactedMutex sync.Mutex
	d.SendRequestFindValue = func(request *InformationRequest) {
		for _, node := range request.Nodes {
			contactedMutex.Lock()
			contacted[string(node.ID)] = true
			contactedMutex.Unlock()
			request.QueueResult(&NodeMessage{SenderID: node.ID, Error: errTestUnreachable})
		}
	}

	// more nodes than the lookup parallelism; the shortlist must cover all of them
	const nodeCount = 10
	for n := 0; n < nodeCount; n++ {
		d.AddNode(&Node{ID: testNodeID("peer " + string(rune('a'+n)))})
	}

	_, _, found, err := d.Get(testNodeID("missing value"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Len(t, contacted, nodeCount)
}

func TestGetNotFound(t *testing.T) {
	net := newFakeNetwork()

	var dhts []*DHT
	for n := 0; n < 8; n++ {
		dhts = append(dhts, net.addNode("node "+string(rune('a'+n))))
	}
	net.connectAll()

	data, _, found, err := dhts[0].Get(testNodeID("never stored"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, data)
}

func TestFindNodeTerminates(t *testing.T) {
	net := newFakeNetwork()

	var dhts []*DHT
	for n := 0; n < 30; n++ {
		dhts = append(dhts, net.addNode("node " + string(rune('a'+n))))
	}
	net.connectAll()

	target := dhts[25].GetSelfID()

	done := make(chan struct{})
	var closest []*Node
	go func() {
		closest, _ = dhts[0].FindNode(target)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("FindNode did not terminate")
	}

	require.NotEmpty(t, closest)
	assert.LessOrEqual(t, len(closest), testBucketSize)
	assert.Equal(t, target, closest[0].ID, "target node itself must rank first")
}
