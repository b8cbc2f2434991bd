/*
File Name:  State Machine.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Escrow state machine. Transitions:

PROPOSED -> FUNDED             by the wallet's funding confirmation, or reported by the buyer
FUNDED   -> SHIPPED            by the seller
SHIPPED  -> RELEASED           by the buyer
SHIPPED  -> DISPUTED           by buyer or seller, moderated orders only
DISPUTED -> RELEASED|REFUNDED  by a ruling carrying 2 distinct co-signatures of the 3 parties

RELEASED and REFUNDED are terminal. Funds move via the wallet before the terminal status is
committed; a failed broadcast leaves the order in its previous status.
*/

package escrow

import (
	"errors"
	"sync"
	"time"

	"github.com/bazaarnet/core/store"
	"github.com/btcsuite/btcd/btcec"
)

var (
	// ErrOrderNotFound is returned when the order ID is unknown
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderExists is returned when proposing an order whose ID is already taken
	ErrOrderExists = errors.New("order already exists")

	// ErrInvalidTransition is returned when the requested status change is not a valid edge
	ErrInvalidTransition = errors.New("invalid order transition")

	// ErrNotAuthorized is returned when the actor may not perform the transition
	ErrNotAuthorized = errors.New("actor not authorized for transition")

	// ErrNoModerator is returned when disputing an unmoderated order
	ErrNoModerator = errors.New("order has no moderator")

	// ErrRulingSignatures is returned when a ruling does not carry 2 valid distinct co-signatures
	ErrRulingSignatures = errors.New("insufficient ruling signatures")
)

// Event is emitted on every committed status change
type Event struct {
	Order     *Order // Snapshot of the order as of the change
	OldStatus int    // Status before the change
	NewStatus int    // Status after the change
}

// Machine manages all orders of this node and enforces the escrow state transitions.
type Machine struct {
	orders  map[[16]byte]*Order
	backing store.Store // persistence, may be nil
	wallet  Wallet      // payment layer, may be nil

	subscribers []chan Event

	sync.RWMutex
}

// NewMachine creates the state machine. Orders persisted in the backing store are loaded.
func NewMachine(backing store.Store, wallet Wallet) (machine *Machine) {
	machine = &Machine{
		orders:  make(map[[16]byte]*Order),
		backing: backing,
		wallet:  wallet,
	}

	if backing != nil {
		backing.Iterate(func(key []byte, data []byte) bool {
			if order, err := DecodeOrder(data); err == nil {
				machine.orders[order.ID] = order
			}
			return true
		})
	}

	// Re-arm the funding watches of orders that were awaiting payment when the node stopped.
	if wallet != nil {
		for _, order := range machine.orders {
			if order.Status == StatusProposed {
				machine.watchFunding(order)
			}
		}
	}

	return machine
}

// watchFunding registers a wallet watch that commits PROPOSED -> FUNDED on confirmation
func (machine *Machine) watchFunding(order *Order) {
	orderID := order.ID
	machine.wallet.WatchAddress(order, func() {
		machine.walletFunded(orderID)
	})
}

// walletFunded commits PROPOSED -> FUNDED upon the wallet's funding confirmation.
// Late or duplicate confirmations on an order past PROPOSED are ignored.
func (machine *Machine) walletFunded(orderID [16]byte) {
	machine.Lock()
	defer machine.Unlock()

	order, found := machine.orders[orderID]
	if !found || order.Status != StatusProposed {
		return
	}

	machine.commit(order, StatusFunded)
}

// Subscribe returns a channel that receives all committed status changes. Slow receivers drop events.
func (machine *Machine) Subscribe() (channel chan Event) {
	machine.Lock()
	defer machine.Unlock()

	channel = make(chan Event, 64)
	machine.subscribers = append(machine.subscribers, channel)
	return channel
}

// Unsubscribe removes the channel from the subscriber list
func (machine *Machine) Unsubscribe(channel chan Event) {
	machine.Lock()
	defer machine.Unlock()

	for n, subscriber := range machine.subscribers {
		if subscriber == channel {
			subscribersNew := machine.subscribers[:n]
			if n < len(machine.subscribers)-1 {
				subscribersNew = append(subscribersNew, machine.subscribers[n+1:]...)
			}
			machine.subscribers = subscribersNew
			return
		}
	}
}

func (machine *Machine) notify(event Event) {
	for _, subscriber := range machine.subscribers {
		select {
		case subscriber <- event:
		default:
		}
	}
}

// persist writes the order to the backing store. Must be called with the lock held.
func (machine *Machine) persist(order *Order) {
	if machine.backing == nil {
		return
	}

	if raw, err := order.Encode(); err == nil {
		machine.backing.Store(order.ID[:], raw)
	}
}

// Propose registers a new order in status PROPOSED and derives its escrow address.
func (machine *Machine) Propose(order *Order) (err error) {
	machine.Lock()
	defer machine.Unlock()

	if _, exists := machine.orders[order.ID]; exists {
		return ErrOrderExists
	}

	order.Status = StatusProposed
	order.Created = time.Now().Unix()
	order.Updated = order.Created

	if machine.wallet != nil {
		if order.EscrowAddress, err = machine.wallet.DeriveEscrowAddress(order); err != nil {
			return err
		}
	}

	machine.orders[order.ID] = order
	machine.persist(order)

	if machine.wallet != nil {
		machine.watchFunding(order)
	}

	return nil
}

// Get returns a point-in-time snapshot of the order with the given ID.
// Snapshots are not live views; mutating them does not affect the machine.
func (machine *Machine) Get(orderID [16]byte) (order *Order, found bool) {
	machine.RLock()
	defer machine.RUnlock()

	stored, found := machine.orders[orderID]
	if !found {
		return nil, false
	}
	return stored.snapshot(), true
}

// List returns snapshots of all orders
func (machine *Machine) List() (orders []*Order) {
	machine.RLock()
	defer machine.RUnlock()

	for _, order := range machine.orders {
		orders = append(orders, order.snapshot())
	}
	return orders
}

// commit applies the status change, persists it, and notifies subscribers. Must be called with the lock held.
func (machine *Machine) commit(order *Order, newStatus int) {
	oldStatus := order.Status
	order.Status = newStatus
	order.Updated = time.Now().Unix()

	machine.persist(order)
	machine.notify(Event{Order: order.snapshot(), OldStatus: oldStatus, NewStatus: newStatus})
}

// MarkFunded transitions PROPOSED -> FUNDED. Only the buyer may report funding.
func (machine *Machine) MarkFunded(orderID [16]byte, actor *btcec.PublicKey) (err error) {
	machine.Lock()
	defer machine.Unlock()

	order, found := machine.orders[orderID]
	if !found {
		return ErrOrderNotFound
	}
	if order.Status != StatusProposed {
		return ErrInvalidTransition
	}
	if actor == nil || !actor.IsEqual(order.BuyerKey) {
		return ErrNotAuthorized
	}

	machine.commit(order, StatusFunded)
	return nil
}

// MarkShipped transitions FUNDED -> SHIPPED. Only the seller ships.
func (machine *Machine) MarkShipped(orderID [16]byte, actor *btcec.PublicKey) (err error) {
	machine.Lock()
	defer machine.Unlock()

	order, found := machine.orders[orderID]
	if !found {
		return ErrOrderNotFound
	}
	if order.Status != StatusFunded {
		return ErrInvalidTransition
	}
	if actor == nil || !actor.IsEqual(order.SellerKey) {
		return ErrNotAuthorized
	}

	machine.commit(order, StatusShipped)
	return nil
}

// Release transitions SHIPPED -> RELEASED. Only the buyer releases voluntarily.
// The wallet pays out to the seller before the status is committed.
func (machine *Machine) Release(orderID [16]byte, actor *btcec.PublicKey) (err error) {
	machine.Lock()
	defer machine.Unlock()

	order, found := machine.orders[orderID]
	if !found {
		return ErrOrderNotFound
	}
	if order.Status != StatusShipped {
		return ErrInvalidTransition
	}
	if actor == nil || !actor.IsEqual(order.BuyerKey) {
		return ErrNotAuthorized
	}

	if err = machine.payout(order, order.SellerKey); err != nil {
		return err
	}

	machine.commit(order, StatusReleased)
	return nil
}

// Dispute transitions SHIPPED -> DISPUTED. Buyer or seller may open a dispute, moderated orders only.
func (machine *Machine) Dispute(orderID [16]byte, actor *btcec.PublicKey) (err error) {
	machine.Lock()
	defer machine.Unlock()

	order, found := machine.orders[orderID]
	if !found {
		return ErrOrderNotFound
	}
	if order.Status != StatusShipped {
		return ErrInvalidTransition
	}
	if order.ModeratorKey == nil {
		return ErrNoModerator
	}
	if actor == nil || !(actor.IsEqual(order.BuyerKey) || actor.IsEqual(order.SellerKey)) {
		return ErrNotAuthorized
	}

	machine.commit(order, StatusDisputed)
	return nil
}

// Ruling resolves a dispute. The digest must be co-signed by 2 distinct parties of the order
// (buyer, seller, moderator). refund pays the buyer, otherwise the seller.
// The wallet moves the funds before the status is committed.
func (machine *Machine) Ruling(orderID [16]byte, refund bool, digest []byte, signatures [][]byte) (err error) {
	machine.Lock()
	defer machine.Unlock()

	order, found := machine.orders[orderID]
	if !found {
		return ErrOrderNotFound
	}
	if order.Status != StatusDisputed {
		return ErrInvalidTransition
	}

	if !verifyRuling(order, digest, signatures) {
		return ErrRulingSignatures
	}

	payTo := order.SellerKey
	newStatus := StatusReleased
	if refund {
		payTo = order.BuyerKey
		newStatus = StatusRefunded
	}

	if err = machine.payout(order, payTo); err != nil {
		return err
	}

	machine.commit(order, newStatus)
	return nil
}

// payout moves the escrow balance to the given key via the wallet. Must be called with the lock held.
func (machine *Machine) payout(order *Order, payTo *btcec.PublicKey) (err error) {
	if machine.wallet == nil {
		return nil
	}

	tx, err := machine.wallet.BuildRelease(order, payTo)
	if err != nil {
		return err
	}

	return machine.wallet.Broadcast(tx)
}

// verifyRuling checks that the digest carries valid compact signatures of at least 2 distinct order parties.
func verifyRuling(order *Order, digest []byte, signatures [][]byte) bool {
	parties := []*btcec.PublicKey{order.BuyerKey, order.SellerKey, order.ModeratorKey}
	signed := make(map[int]bool)

	for _, signature := range signatures {
		signerKey, _, err := btcec.RecoverCompact(btcec.S256(), signature, digest)
		if err != nil {
			continue
		}

		for n, party := range parties {
			if party != nil && signerKey.IsEqual(party) {
				signed[n] = true
			}
		}
	}

	return len(signed) >= 2
}
