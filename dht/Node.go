/*
File Name:  Node.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package dht

import (
	"bytes"
	"math/big"
	"time"
)

// Node is the routing-table representation of a remote peer.
type Node struct {
	// ID is the unique identifier in the Kademlia address space
	ID []byte

	// LastSeen when was this node last considered seen by the DHT
	LastSeen time.Time

	// Info is an arbitrary pointer specified by the caller, typically the callers peer structure
	Info interface{}
}

// shortList is used in order to sort a list of arbitrary nodes against a comparator. These nodes are sorted by xor distance.
type shortList struct {
	// Nodes are a list of nodes to be compared
	Nodes []*Node

	// Comparator is the ID to compare to
	Comparator []byte

	// Contacted is a list of nodes that are considered contacted
	Contacted map[string]bool
}

func newShortList(comparator []byte) *shortList {
	return &shortList{
		Comparator: comparator,
		Contacted:  make(map[string]bool),
	}
}

func (n *shortList) RemoveNode(ID []byte) {
	for i := 0; i < n.Len(); i++ {
		if bytes.Equal(n.Nodes[i].ID, ID) {
			n.Nodes = append(n.Nodes[:i], n.Nodes[i+1:]...)
			return
		}
	}
}

func (n *shortList) AppendUniqueNodes(nodes ...*Node) {
nodesLoop:
	for _, vv := range nodes {
		for _, v := range n.Nodes {
			if bytes.Equal(v.ID, vv.ID) {
				continue nodesLoop
			}
		}
		n.Nodes = append(n.Nodes, vv)
	}
}

func (n *shortList) Len() int {
	return len(n.Nodes)
}

func (n *shortList) Swap(i, j int) {
	n.Nodes[i], n.Nodes[j] = n.Nodes[j], n.Nodes[i]
}

func (n *shortList) Less(i, j int) bool {
	iDist := getDistance(n.Nodes[i].ID, n.Comparator)
	jDist := getDistance(n.Nodes[j].ID, n.Comparator)

	if cmp := iDist.Cmp(jDist); cmp != 0 {
		return cmp == -1
	}

	// Ties are broken by most recently seen first.
	return n.Nodes[i].LastSeen.After(n.Nodes[j].LastSeen)
}

func getDistance(id1 []byte, id2 []byte) *big.Int {
	buf1 := new(big.Int).SetBytes(id1)
	buf2 := new(big.Int).SetBytes(id2)
	return new(big.Int).Xor(buf1, buf2)
}

// GetUncontacted returns a list of uncontacted nodes. Each returned node will be marked as contacted.
// Count is only honored if useCount is set.
func (n *shortList) GetUncontacted(count int, useCount bool) (Nodes []*Node) {
	for _, node := range n.Nodes {
		if useCount && count <= 0 {
			break
		}

		// Don't contact nodes already contacted
		if n.Contacted[string(node.ID)] {
			continue
		}

		n.Contacted[string(node.ID)] = true
		Nodes = append(Nodes, node)

		count--
	}

	return Nodes
}

// NodeMessage is a single reply by a remote node to an information request.
type NodeMessage struct {
	SenderID []byte  // Sender of this message
	Data     []byte  // Value data, if the remote node stores the requested key
	Closest  []*Node // Nodes close to the requested key
	Storing  []*Node // Nodes known to store the requested key
	Error    error   // Set if the remote node is considered failed (timeout, unreachable)
}

// NodeFilterFunc is called to filter nodes based on the callers choice
type NodeFilterFunc func(node *Node) (accept bool)
