/*
File Name:  Wallet.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package escrow

import (
	"encoding/hex"
	"sync"

	"github.com/btcsuite/btcd/btcec"
	"lukechampine.com/blake3"
)

// Wallet abstracts the payment layer of the escrow. Implementations derive multisig escrow
// addresses, watch them for incoming payments, and move the funds once the state machine
// decides release or refund.
type Wallet interface {
	// DeriveEscrowAddress derives the escrow address for the order, typically a 2-of-3 multisig
	// of buyer, seller, and moderator (2-of-2 without moderator).
	DeriveEscrowAddress(order *Order) (address string, err error)

	// WatchAddress registers a watch on the escrow address of the order. The wallet calls
	// funded once a payment covering the order price is confirmed on the payment network.
	// The callback may fire at any time after registration, but never synchronously.
	WatchAddress(order *Order, funded func())

	// BuildRelease builds and signs the transaction paying the escrow balance to the given key.
	BuildRelease(order *Order, payTo *btcec.PublicKey) (tx []byte, err error)

	// Broadcast publishes the transaction to the payment network.
	Broadcast(tx []byte) (err error)
}

// DeterministicWallet is a stand-in wallet that derives addresses and transactions purely from
// hashes of the order parties. It moves no real funds and serves local setups and tests.
// Funding confirmations are injected via NotifyFunded.
type DeterministicWallet struct {
	watches map[string][]func()
	mutex   sync.Mutex
}

func (wallet *DeterministicWallet) DeriveEscrowAddress(order *Order) (address string, err error) {
	var raw []byte
	raw = append(raw, order.BuyerKey.SerializeCompressed()...)
	raw = append(raw, order.SellerKey.SerializeCompressed()...)
	if order.ModeratorKey != nil {
		raw = append(raw, order.ModeratorKey.SerializeCompressed()...)
	}

	hash := blake3.Sum256(raw)
	return "esc1" + hex.EncodeToString(hash[:20]), nil
}

func (wallet *DeterministicWallet) WatchAddress(order *Order, funded func()) {
	wallet.mutex.Lock()
	defer wallet.mutex.Unlock()

	if wallet.watches == nil {
		wallet.watches = make(map[string][]func())
	}
	wallet.watches[order.EscrowAddress] = append(wallet.watches[order.EscrowAddress], funded)
}

// NotifyFunded simulates a confirmed payment to the address and fires the registered watches.
func (wallet *DeterministicWallet) NotifyFunded(address string) {
	wallet.mutex.Lock()
	callbacks := wallet.watches[address]
	delete(wallet.watches, address)
	wallet.mutex.Unlock()

	for _, funded := range callbacks {
		funded()
	}
}

func (wallet *DeterministicWallet) BuildRelease(order *Order, payTo *btcec.PublicKey) (tx []byte, err error) {
	var raw []byte
	raw = append(raw, order.ID[:]...)
	raw = append(raw, payTo.SerializeCompressed()...)

	hash := blake3.Sum256(raw)
	return hash[:], nil
}

func (wallet *DeterministicWallet) Broadcast(tx []byte) (err error) {
	return nil
}
