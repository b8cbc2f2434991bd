/*
File Name:  Orders.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Order flow between buyer and seller:

1. The buyer sends an Order message to the seller. The sequence links the expected response.
2. The seller validates the listing, registers the order in its escrow machine, and replies
   with an OrderResponse carrying the derived escrow address.
3. Both sides drive the escrow state machine via one-way OrderEvent messages. The sender of
   an event is its actor; the state machine enforces authorization per transition.
4. Ruling events carry co-signatures of the order parties over the event digest.
*/

package core

import (
	"errors"
	"time"

	"github.com/bazaarnet/core/escrow"
	"github.com/bazaarnet/core/store"
	"github.com/btcsuite/btcd/btcec"
	"github.com/google/uuid"
)

// ordersMachine is the escrow state machine holding all orders of this node
var ordersMachine *escrow.Machine

// OrderWallet is the payment layer used by the escrow machine. May be replaced by the caller before Init.
var OrderWallet escrow.Wallet = &escrow.DeterministicWallet{}

func initEscrow() (err error) {
	var backing store.Store

	if config.OrderFile == "" {
		backing = store.NewMemoryStore()
	} else if backing, err = store.NewPogrebStore(config.OrderFile); err != nil {
		return err
	}

	ordersMachine = escrow.NewMachine(backing, OrderWallet)
	return nil
}

// OrderMachine exposes the escrow state machine, for example to subscribe to order events.
func OrderMachine() *escrow.Machine {
	return ordersMachine
}

var (
	// ErrSellerUnreachable is returned when the seller of a listing cannot be contacted
	ErrSellerUnreachable = errors.New("seller unreachable")

	// ErrOrderTimeout is returned when the seller does not answer an order request in time
	ErrOrderTimeout = errors.New("order request timeout")

	// ErrOrderRejected is returned when the seller rejects the order
	ErrOrderRejected = errors.New("order rejected")

	// ErrOrderCancelled is returned when the node shuts down while waiting for the seller
	ErrOrderCancelled = errors.New("order request cancelled")
)

// orderCall is attached to the sequence of an outgoing Order message
type orderCall struct {
	result chan *OrderResponse
}

// findPeerByPublicKey returns the peer, performing an iterative DHT lookup if it is not yet connected.
func findPeerByPublicKey(publicKey *btcec.PublicKey) (peer *PeerInfo) {
	if peer = PeerlistLookup(publicKey); peer != nil {
		return peer
	}

	// The lookup contacts closer and closer nodes; the target registers in the peer list when it responds.
	nodesDHT.FindNode(publicKey2NodeID(publicKey))

	return PeerlistLookup(publicKey)
}

// PlaceOrder sends an order for the listing to its seller and waits for the response.
// On acceptance the order is registered in the local escrow machine in status PROPOSED.
func PlaceOrder(listing *Listing, moderatorKey *btcec.PublicKey) (response *OrderResponse, err error) {
	seller := findPeerByPublicKey(listing.SellerKey)
	if seller == nil {
		return nil, ErrSellerUnreachable
	}

	request := &OrderRequest{
		OrderID:      uuid.New(),
		ListingHash:  listing.Hash,
		Price:        listing.Price,
		Timestamp:    time.Now().Unix(),
		ModeratorKey: moderatorKey,
	}

	call := &orderCall{result: make(chan *OrderResponse, 1)}

	if err = seller.sendOrderRequest(request, call); err != nil {
		return nil, err
	}

	select {
	case response = <-call.result:
		// A nil response signals cancellation of the pending sequence on shutdown.
		if response == nil {
			return nil, ErrOrderCancelled
		}
	case <-time.After(time.Duration(ReplyTimeout) * time.Second):
		return nil, ErrOrderTimeout
	}

	if !response.Accepted {
		return response, ErrOrderRejected
	}

	order := &escrow.Order{
		ID:           request.OrderID,
		BuyerKey:     peerPublicKey,
		SellerKey:    listing.SellerKey,
		ModeratorKey: moderatorKey,
		ListingHash:  listing.Hash,
		Price:        listing.Price,
	}

	if err = ordersMachine.Propose(order); err != nil {
		return response, err
	}

	// Both wallets derive the escrow address deterministically; a mismatch indicates incompatible wallets.
	if order.EscrowAddress != response.EscrowAddress {
		Filters.LogError("PlaceOrder", "escrow address mismatch for order %s: local '%s' remote '%s'\n", request.OrderID.String(), order.EscrowAddress, response.EscrowAddress)
	}

	return response, nil
}

// cmdOrder handles an incoming order request. This node is the seller.
func (peer *PeerInfo) cmdOrder(msg *MessageRaw) {
	if peer == nil {
		if peer, _ = PeerlistAdd(msg.SenderPublicKey, msg.connection); peer == nil {
			return
		}
	}

	request, err := msgDecodeOrderRequest(msg.Payload)
	if err != nil {
		return
	}

	reject := func(reason string) {
		peer.sendOrderResponse(msg.Sequence, &OrderResponse{OrderID: request.OrderID, Accepted: false, Reason: reason})
	}

	// The listing must exist locally and be published by this node.
	raw, found := dhtStore.Retrieve(request.ListingHash)
	if !found {
		reject("listing unknown")
		return
	}

	listing, err := DecodeListing(raw)
	if err != nil || !listing.SellerKey.IsEqual(peerPublicKey) {
		reject("listing unknown")
		return
	}
	if listing.IsExpired(time.Now()) {
		reject("listing expired")
		return
	}
	if request.Price < listing.Price {
		reject("price below listing price")
		return
	}

	if !Filters.IncomingOrder(peer, request.ListingHash, request.Price) {
		reject("order declined")
		return
	}

	order := &escrow.Order{
		ID:           request.OrderID,
		BuyerKey:     msg.SenderPublicKey,
		SellerKey:    peerPublicKey,
		ModeratorKey: request.ModeratorKey,
		ListingHash:  request.ListingHash,
		Price:        request.Price,
	}

	if err := ordersMachine.Propose(order); err != nil {
		reject("order not accepted")
		return
	}

	peer.sendOrderResponse(msg.Sequence, &OrderResponse{OrderID: request.OrderID, Accepted: true, EscrowAddress: order.EscrowAddress})
}

// cmdOrderResponse handles an incoming order response. The sequence info links it to the waiting PlaceOrder call.
func (peer *PeerInfo) cmdOrderResponse(msg *MessageRaw, sequenceInfo *sequenceExpiry) {
	call, ok := sequenceInfo.data.(*orderCall)
	if !ok {
		return
	}

	msgInvalidateSequence(msg)

	response, err := msgDecodeOrderResponse(msg.Payload)
	if err != nil {
		return
	}

	select {
	case call.result <- response:
	default:
	}
}

// cmdOrderEvent handles an incoming order lifecycle event. The sender is the actor of the transition.
func (peer *PeerInfo) cmdOrderEvent(msg *MessageRaw) {
	if peer == nil {
		return
	}

	event, err := msgDecodeOrderEvent(msg.Payload)
	if err != nil {
		return
	}

	err = applyOrderEvent(event, msg.SenderPublicKey)
	if err != nil {
		Filters.LogError("cmdOrderEvent", "order %s event %d from peer: %v\n", event.OrderID.String(), event.Event, err.Error())
	}
}

// applyOrderEvent maps an order event to the matching escrow transition
func applyOrderEvent(event *OrderEvent, actor *btcec.PublicKey) (err error) {
	switch event.Event {
	case OrderEventFunded:
		return ordersMachine.MarkFunded(event.OrderID, actor)

	case OrderEventShipped:
		return ordersMachine.MarkShipped(event.OrderID, actor)

	case OrderEventRelease:
		return ordersMachine.Release(event.OrderID, actor)

	case OrderEventDispute:
		return ordersMachine.Dispute(event.OrderID, actor)

	case OrderEventRulingRelease, OrderEventRulingRefund:
		digest := OrderEventDigest(event.OrderID, event.Event, event.Timestamp)
		return ordersMachine.Ruling(event.OrderID, event.Event == OrderEventRulingRefund, digest, event.Signatures)
	}

	return errors.New("unknown order event")
}

// orderCounterparty returns the remote party of the order
func orderCounterparty(order *escrow.Order) (peer *PeerInfo) {
	remoteKey := order.SellerKey
	if remoteKey.IsEqual(peerPublicKey) {
		remoteKey = order.BuyerKey
	}

	return findPeerByPublicKey(remoteKey)
}

// sendOrderEventAndApply applies the transition locally and forwards the event to the counterparty.
// The local transition is validated first; an unauthorized or invalid event is never sent.
func sendOrderEventAndApply(order *escrow.Order, event *OrderEvent) (err error) {
	if err = applyOrderEvent(event, peerPublicKey); err != nil {
		return err
	}

	peer := orderCounterparty(order)
	if peer == nil {
		return ErrSellerUnreachable
	}

	return peer.sendOrderEvent(event)
}

// orderByID returns the order from the escrow machine
func orderByID(orderID uuid.UUID) (order *escrow.Order, err error) {
	order, found := ordersMachine.Get(orderID)
	if !found {
		return nil, escrow.ErrOrderNotFound
	}
	return order, nil
}

// FundOrder reports the escrow address as funded. Buyer side.
func FundOrder(orderID uuid.UUID) (err error) {
	order, err := orderByID(orderID)
	if err != nil {
		return err
	}

	return sendOrderEventAndApply(order, &OrderEvent{OrderID: orderID, Event: OrderEventFunded, Timestamp: time.Now().Unix()})
}

// ShipOrder reports the goods as shipped. Seller side.
func ShipOrder(orderID uuid.UUID) (err error) {
	order, err := orderByID(orderID)
	if err != nil {
		return err
	}

	return sendOrderEventAndApply(order, &OrderEvent{OrderID: orderID, Event: OrderEventShipped, Timestamp: time.Now().Unix()})
}

// ReleaseOrder releases the escrow to the seller. Buyer side.
func ReleaseOrder(orderID uuid.UUID) (err error) {
	order, err := orderByID(orderID)
	if err != nil {
		return err
	}

	return sendOrderEventAndApply(order, &OrderEvent{OrderID: orderID, Event: OrderEventRelease, Timestamp: time.Now().Unix()})
}

// DisputeOrder opens a dispute. Buyer or seller side, moderated orders only.
func DisputeOrder(orderID uuid.UUID) (err error) {
	order, err := orderByID(orderID)
	if err != nil {
		return err
	}

	return sendOrderEventAndApply(order, &OrderEvent{OrderID: orderID, Event: OrderEventDispute, Timestamp: time.Now().Unix()})
}

// SignOrderEvent creates a co-signature over the event digest. Used by the order parties to co-sign rulings.
func SignOrderEvent(orderID uuid.UUID, event uint8, timestamp int64, privateKey *btcec.PrivateKey) (signature []byte, err error) {
	return btcec.SignCompact(btcec.S256(), privateKey, OrderEventDigest(orderID, event, timestamp), true)
}

// SubmitRuling resolves a disputed order with the collected co-signatures and forwards the ruling to the counterparty.
func SubmitRuling(orderID uuid.UUID, refund bool, timestamp int64, signatures [][]byte) (err error) {
	order, err := orderByID(orderID)
	if err != nil {
		return err
	}

	eventType := uint8(OrderEventRulingRelease)
	if refund {
		eventType = OrderEventRulingRefund
	}

	return sendOrderEventAndApply(order, &OrderEvent{OrderID: orderID, Event: eventType, Timestamp: timestamp, Signatures: signatures})
}
