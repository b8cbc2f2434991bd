/*
File Name:  Message Send.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package core

// sendAnnouncement sends the announcement message. It acquires a new sequence for each message.
// The sequence data is attached to the sequences and returned with the Response message.
func (peer *PeerInfo) sendAnnouncement(sendUA, findSelf bool, findPeer []KeyHash, findValue []KeyHash, files []InfoStore, sequenceData interface{}) (err error) {
	packets, err := msgEncodeAnnouncement(sendUA, findSelf, findPeer, findValue, files)
	if err != nil {
		return err
	}

	for _, packet := range packets {
		sequence := peer.msgNewSequence(sequenceData)
		peer.send(&PacketRaw{Command: CommandAnnouncement, Payload: packet, Sequence: sequence.sequence})
	}

	return nil
}

// sendResponse sends the response message. The sequence number must be the same as in the original Announcement message.
func (peer *PeerInfo) sendResponse(sequence uint32, sendUA bool, hash2Peers []Hash2Peer, dataEmbed []EmbeddedDataRecord, hashesNotFound [][]byte) (err error) {
	packets, err := msgEncodeResponse(sendUA, hash2Peers, dataEmbed, hashesNotFound)
	if err != nil {
		Filters.LogError("sendResponse", "msgEncodeResponse: %v\n", err.Error())
		return err
	}

	for _, packet := range packets {
		peer.send(&PacketRaw{Command: CommandResponse, Payload: packet, Sequence: sequence})
	}

	return nil
}

// sendOrderRequest sends an order request to the peer. The sequence data links the expected OrderResponse back to the caller.
func (peer *PeerInfo) sendOrderRequest(request *OrderRequest, sequenceData interface{}) (err error) {
	sequence := peer.msgNewSequence(sequenceData)

	return peer.send(&PacketRaw{Command: CommandOrder, Payload: msgEncodeOrderRequest(request), Sequence: sequence.sequence})
}

// sendOrderResponse sends an order response. The sequence number must be the same as in the original Order message.
func (peer *PeerInfo) sendOrderResponse(sequence uint32, response *OrderResponse) (err error) {
	raw, err := msgEncodeOrderResponse(response)
	if err != nil {
		return err
	}

	return peer.send(&PacketRaw{Command: CommandOrderResponse, Payload: raw, Sequence: sequence})
}

// sendOrderEvent sends an order lifecycle event to the peer. Events are one-way; state convergence is handled by the escrow machine on both sides.
func (peer *PeerInfo) sendOrderEvent(event *OrderEvent) (err error) {
	raw, err := msgEncodeOrderEvent(event)
	if err != nil {
		return err
	}

	sequence := peer.msgNewSequence(nil)

	return peer.send(&PacketRaw{Command: CommandOrderEvent, Payload: raw, Sequence: sequence.sequence})
}
