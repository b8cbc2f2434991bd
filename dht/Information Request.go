/*
File Name:  Information Request.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Information requests are asynchronous queries sent to a set of nodes. Each request tracks
the replies of the contacted nodes and handles the roundtrip timeout. Replies are matched
to their request by the transport layer via the message sequence and pushed into ResultChan.
Each contacted node completes the request at most once; duplicates and late replies are dropped.
*/

package dht

import (
	"sync"
	"time"
)

// InformationRequest is an asynchronous query sent to a set of nodes.
type InformationRequest struct {
	Action int     // ActionFindNode or ActionFindValue
	Key    []byte  // Target key
	Nodes  []*Node // Nodes to contact

	// ResultChan receives one NodeMessage per contacted node, pushed by the transport layer.
	ResultChan chan *NodeMessage

	// TerminateSignal gets closed on termination, can be used in select via "case <-request.TerminateSignal:"
	TerminateSignal chan struct{}

	sync.Mutex
	terminated bool
}

// NewInformationRequest creates a request to query the given nodes for the key.
func (dht *DHT) NewInformationRequest(action int, key []byte, nodes []*Node) (request *InformationRequest) {
	return &InformationRequest{
		Action:          action,
		Key:             key,
		Nodes:           nodes,
		ResultChan:      make(chan *NodeMessage, len(nodes)*2),
		TerminateSignal: make(chan struct{}),
	}
}

// QueueResult delivers a single reply. It never blocks; replies arriving after termination are dropped.
func (request *InformationRequest) QueueResult(message *NodeMessage) {
	request.Lock()
	defer request.Unlock()

	if request.terminated {
		return
	}

	select {
	case request.ResultChan <- message:
	default:
	}
}

// CollectResults waits for the replies of all contacted nodes within the given timeout.
// Nodes that do not reply in time are simply absent from the result; that is not an error.
func (request *InformationRequest) CollectResults(timeout time.Duration) (results []*NodeMessage) {
	deadline := time.After(timeout)
	remaining := len(request.Nodes)

	for remaining > 0 {
		select {
		case result, ok := <-request.ResultChan:
			if !ok {
				return
			}
			results = append(results, result)
			remaining--

		case <-request.TerminateSignal:
			return

		case <-deadline:
			return
		}
	}

	return
}

// Terminate closes the request. It is safe to call multiple times.
func (request *InformationRequest) Terminate() {
	request.Lock()
	defer request.Unlock()

	if request.terminated {
		return
	}

	request.terminated = true
	close(request.TerminateSignal)
}

// IsTerminated indicates whether the request was terminated.
func (request *InformationRequest) IsTerminated() bool {
	request.Lock()
	defer request.Unlock()
	return request.terminated
}
