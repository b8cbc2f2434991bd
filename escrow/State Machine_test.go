/*
File Name:  State Machine_test.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package escrow

import (
	"errors"
	"testing"

	"github.com/bazaarnet/core/store"
	"github.com/btcsuite/btcd/btcec"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"
)

func testKey(t *testing.T) (*btcec.PrivateKey, *btcec.PublicKey) {
	privateKey, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	return privateKey, privateKey.PubKey()
}

// testParties holds the keys of the three order parties
type testParties struct {
	buyerPriv, sellerPriv, moderatorPriv *btcec.PrivateKey
	buyer, seller, moderator             *btcec.PublicKey
}

func newTestParties(t *testing.T) (parties testParties) {
	parties.buyerPriv, parties.buyer = testKey(t)
	parties.sellerPriv, parties.seller = testKey(t)
	parties.moderatorPriv, parties.moderator = testKey(t)
	return parties
}

func testOrder(parties testParties, moderated bool) *Order {
	hash := blake3.Sum256([]byte("test listing"))

	order := &Order{
		ID:          uuid.New(),
		BuyerKey:    parties.buyer,
		SellerKey:   parties.seller,
		ListingHash: hash[:],
		Price:       1000,
	}
	if moderated {
		order.ModeratorKey = parties.moderator
	}
	return order
}

func TestOrderHappyPath(t *testing.T) {
	parties := newTestParties(t)
	machine := NewMachine(nil, &DeterministicWallet{})

	order := testOrder(parties, false)
	require.NoError(t, machine.Propose(order))
	assert.Equal(t, StatusProposed, order.Status)
	assert.NotEmpty(t, order.EscrowAddress)
	assert.NotZero(t, order.Created)

	require.NoError(t, machine.MarkFunded(order.ID, parties.buyer))
	require.NoError(t, machine.MarkShipped(order.ID, parties.seller))
	require.NoError(t, machine.Release(order.ID, parties.buyer))

	stored, found := machine.Get(order.ID)
	require.True(t, found)
	assert.Equal(t, StatusReleased, stored.Status)
	assert.True(t, stored.IsTerminal())
}

func TestOrderProposeDuplicate(t *testing.T) {
	parties := newTestParties(t)
	machine := NewMachine(nil, nil)

	order := testOrder(parties, false)
	require.NoError(t, machine.Propose(order))
	assert.ErrorIs(t, machine.Propose(order), ErrOrderExists)
}

func TestOrderAuthorization(t *testing.T) {
	parties := newTestParties(t)
	machine := NewMachine(nil, nil)

	order := testOrder(parties, true)
	require.NoError(t, machine.Propose(order))

	// only the buyer funds
	assert.ErrorIs(t, machine.MarkFunded(order.ID, parties.seller), ErrNotAuthorized)
	assert.ErrorIs(t, machine.MarkFunded(order.ID, nil), ErrNotAuthorized)
	require.NoError(t, machine.MarkFunded(order.ID, parties.buyer))

	// only the seller ships
	assert.ErrorIs(t, machine.MarkShipped(order.ID, parties.buyer), ErrNotAuthorized)
	require.NoError(t, machine.MarkShipped(order.ID, parties.seller))

	// only the buyer releases voluntarily
	assert.ErrorIs(t, machine.Release(order.ID, parties.seller), ErrNotAuthorized)

	// the moderator is no dispute party
	assert.ErrorIs(t, machine.Dispute(order.ID, parties.moderator), ErrNotAuthorized)
	require.NoError(t, machine.Dispute(order.ID, parties.buyer))
}

func TestOrderInvalidTransitions(t *testing.T) {
	parties := newTestParties(t)
	machine := NewMachine(nil, nil)

	order := testOrder(parties, false)
	require.NoError(t, machine.Propose(order))

	// skipping a status is rejected
	assert.ErrorIs(t, machine.MarkShipped(order.ID, parties.seller), ErrInvalidTransition)
	assert.ErrorIs(t, machine.Release(order.ID, parties.buyer), ErrInvalidTransition)
	assert.ErrorIs(t, machine.Dispute(order.ID, parties.buyer), ErrInvalidTransition)

	require.NoError(t, machine.MarkFunded(order.ID, parties.buyer))
	assert.ErrorIs(t, machine.MarkFunded(order.ID, parties.buyer), ErrInvalidTransition)

	// unknown order
	assert.ErrorIs(t, machine.MarkFunded(uuid.New(), parties.buyer), ErrOrderNotFound)
}

func TestOrderDisputeRequiresModerator(t *testing.T) {
	parties := newTestParties(t)
	machine := NewMachine(nil, nil)

	order := testOrder(parties, false)
	require.NoError(t, machine.Propose(order))
	require.NoError(t, machine.MarkFunded(order.ID, parties.buyer))
	require.NoError(t, machine.MarkShipped(order.ID, parties.seller))

	assert.ErrorIs(t, machine.Dispute(order.ID, parties.buyer), ErrNoModerator)
}

// disputedOrder drives a moderated order into status DISPUTED
func disputedOrder(t *testing.T, machine *Machine, parties testParties) *Order {
	order := testOrder(parties, true)
	require.NoError(t, machine.Propose(order))
	require.NoError(t, machine.MarkFunded(order.ID, parties.buyer))
	require.NoError(t, machine.MarkShipped(order.ID, parties.seller))
	require.NoError(t, machine.Dispute(order.ID, parties.buyer))
	return order
}

func signDigest(t *testing.T, privateKey *btcec.PrivateKey, digest []byte) []byte {
	signature, err := btcec.SignCompact(btcec.S256(), privateKey, digest, true)
	require.NoError(t, err)
	return signature
}

func TestOrderRulingSignatures(t *testing.T) {
	parties := newTestParties(t)
	machine := NewMachine(nil, &DeterministicWallet{})

	order := disputedOrder(t, machine, parties)
	digest := blake3.Sum256(append(order.ID[:], "release ruling"...))

	// a single co-signature is not enough
	sigModerator := signDigest(t, parties.moderatorPriv, digest[:])
	assert.ErrorIs(t, machine.Ruling(order.ID, false, digest[:], [][]byte{sigModerator}), ErrRulingSignatures)

	// the same party twice is not enough
	assert.ErrorIs(t, machine.Ruling(order.ID, false, digest[:], [][]byte{sigModerator, sigModerator}), ErrRulingSignatures)

	// a signature of an outsider does not count
	outsiderPriv, _ := testKey(t)
	sigOutsider := signDigest(t, outsiderPriv, digest[:])
	assert.ErrorIs(t, machine.Ruling(order.ID, false, digest[:], [][]byte{sigModerator, sigOutsider}), ErrRulingSignatures)

	// 2 distinct parties resolve the dispute
	sigSeller := signDigest(t, parties.sellerPriv, digest[:])
	require.NoError(t, machine.Ruling(order.ID, false, digest[:], [][]byte{sigModerator, sigSeller}))

	stored, _ := machine.Get(order.ID)
	assert.Equal(t, StatusReleased, stored.Status)
}

func TestOrderRulingRefund(t *testing.T) {
	parties := newTestParties(t)
	machine := NewMachine(nil, &DeterministicWallet{})

	order := disputedOrder(t, machine, parties)
	digest := blake3.Sum256(append(order.ID[:], "refund ruling"...))

	sigModerator := signDigest(t, parties.moderatorPriv, digest[:])
	sigBuyer := signDigest(t, parties.buyerPriv, digest[:])
	require.NoError(t, machine.Ruling(order.ID, true, digest[:], [][]byte{sigModerator, sigBuyer}))

	stored, _ := machine.Get(order.ID)
	assert.Equal(t, StatusRefunded, stored.Status)
	assert.True(t, stored.IsTerminal())

	// a ruling on a terminal order is rejected
	assert.ErrorIs(t, machine.Ruling(order.ID, false, digest[:], [][]byte{sigModerator, sigBuyer}), ErrInvalidTransition)
}

func TestOrderWalletFunding(t *testing.T) {
	parties := newTestParties(t)
	wallet := &DeterministicWallet{}
	machine := NewMachine(nil, wallet)

	order := testOrder(parties, false)
	require.NoError(t, machine.Propose(order))

	// the wallet's funding confirmation commits PROPOSED -> FUNDED
	wallet.NotifyFunded(order.EscrowAddress)

	stored, found := machine.Get(order.ID)
	require.True(t, found)
	assert.Equal(t, StatusFunded, stored.Status)

	// a duplicate confirmation changes nothing
	wallet.NotifyFunded(order.EscrowAddress)
	stored, _ = machine.Get(order.ID)
	assert.Equal(t, StatusFunded, stored.Status)
}

func TestOrderWalletFundingAfterRestart(t *testing.T) {
	parties := newTestParties(t)
	backing := store.NewMemoryStore()

	machine := NewMachine(backing, &DeterministicWallet{})
	order := testOrder(parties, true)
	require.NoError(t, machine.Propose(order))

	// a restarted machine re-arms the funding watch of proposed orders
	wallet := &DeterministicWallet{}
	restored := NewMachine(backing, wallet)
	wallet.NotifyFunded(order.EscrowAddress)

	loaded, found := restored.Get(order.ID)
	require.True(t, found)
	assert.Equal(t, StatusFunded, loaded.Status)
}

// failingWallet rejects every broadcast
type failingWallet struct {
	DeterministicWallet
}

func (wallet *failingWallet) Broadcast(tx []byte) (err error) {
	return errors.New("payment network unavailable")
}

func TestOrderPayoutBeforeCommit(t *testing.T) {
	parties := newTestParties(t)
	machine := NewMachine(nil, &failingWallet{})

	order := testOrder(parties, false)
	require.NoError(t, machine.Propose(order))
	require.NoError(t, machine.MarkFunded(order.ID, parties.buyer))
	require.NoError(t, machine.MarkShipped(order.ID, parties.seller))

	// a failed broadcast must leave the order in its previous status
	assert.Error(t, machine.Release(order.ID, parties.buyer))

	stored, _ := machine.Get(order.ID)
	assert.Equal(t, StatusShipped, stored.Status)
}

// countingWallet counts payout invocations
type countingWallet struct {
	DeterministicWallet
	builds, broadcasts int
}

func (wallet *countingWallet) BuildRelease(order *Order, payTo *btcec.PublicKey) (tx []byte, err error) {
	wallet.builds++
	return wallet.DeterministicWallet.BuildRelease(order, payTo)
}

func (wallet *countingWallet) Broadcast(tx []byte) (err error) {
	wallet.broadcasts++
	return nil
}

func TestOrderReleaseBroadcastOnce(t *testing.T) {
	parties := newTestParties(t)
	wallet := &countingWallet{}
	machine := NewMachine(nil, wallet)

	order := testOrder(parties, false)
	require.NoError(t, machine.Propose(order))
	require.NoError(t, machine.MarkFunded(order.ID, parties.buyer))
	require.NoError(t, machine.MarkShipped(order.ID, parties.seller))
	require.NoError(t, machine.Release(order.ID, parties.buyer))

	assert.Equal(t, 1, wallet.builds)
	assert.Equal(t, 1, wallet.broadcasts)

	// a release attempt on a terminal order is rejected and moves no funds
	assert.ErrorIs(t, machine.Release(order.ID, parties.buyer), ErrInvalidTransition)
	assert.Equal(t, 1, wallet.broadcasts)
}

func TestOrderSnapshots(t *testing.T) {
	parties := newTestParties(t)
	machine := NewMachine(nil, nil)

	events := machine.Subscribe()
	defer machine.Unsubscribe(events)

	order := testOrder(parties, false)
	require.NoError(t, machine.Propose(order))

	before, found := machine.Get(order.ID)
	require.True(t, found)

	require.NoError(t, machine.MarkFunded(order.ID, parties.buyer))
	require.NoError(t, machine.MarkShipped(order.ID, parties.seller))

	// snapshots are point-in-time copies, not live views into the machine
	assert.Equal(t, StatusProposed, before.Status)

	// events carry the order as of their commit, unaffected by later transitions
	event := <-events
	assert.Equal(t, StatusFunded, event.NewStatus)
	assert.Equal(t, StatusFunded, event.Order.Status)

	// mutating a listed snapshot does not write through
	listed := machine.List()
	require.Len(t, listed, 1)
	listed[0].Status = StatusRefunded
	current, _ := machine.Get(order.ID)
	assert.Equal(t, StatusShipped, current.Status)
}

func TestOrderPersistence(t *testing.T) {
	parties := newTestParties(t)
	backing := store.NewMemoryStore()

	machine := NewMachine(backing, &DeterministicWallet{})
	order := testOrder(parties, true)
	require.NoError(t, machine.Propose(order))
	require.NoError(t, machine.MarkFunded(order.ID, parties.buyer))

	// a new machine on the same backing store loads the orders
	restored := NewMachine(backing, &DeterministicWallet{})
	loaded, found := restored.Get(order.ID)
	require.True(t, found)
	assert.Equal(t, StatusFunded, loaded.Status)
	assert.Equal(t, order.Price, loaded.Price)
	assert.Equal(t, order.EscrowAddress, loaded.EscrowAddress)
	assert.True(t, loaded.BuyerKey.IsEqual(parties.buyer))
	assert.True(t, loaded.ModeratorKey.IsEqual(parties.moderator))
}

func TestOrderEncodeDecode(t *testing.T) {
	parties := newTestParties(t)

	order := testOrder(parties, true)
	order.Status = StatusShipped
	order.Created = 1700000000
	order.Updated = 1700000100
	order.EscrowAddress = "esc1deadbeef"

	raw, err := order.Encode()
	require.NoError(t, err)

	decoded, err := DecodeOrder(raw)
	require.NoError(t, err)
	assert.Equal(t, order.ID, decoded.ID)
	assert.Equal(t, order.Status, decoded.Status)
	assert.Equal(t, order.ListingHash, decoded.ListingHash)
	assert.Equal(t, order.Price, decoded.Price)
	assert.Equal(t, order.Created, decoded.Created)
	assert.Equal(t, order.Updated, decoded.Updated)
	assert.Equal(t, order.EscrowAddress, decoded.EscrowAddress)
	assert.True(t, decoded.ModeratorKey.IsEqual(parties.moderator))

	// unmoderated order has no moderator after decoding
	order2 := testOrder(parties, false)
	raw2, err := order2.Encode()
	require.NoError(t, err)
	decoded2, err := DecodeOrder(raw2)
	require.NoError(t, err)
	assert.Nil(t, decoded2.ModeratorKey)

	// truncated record is rejected
	_, err = DecodeOrder(raw[:40])
	assert.Error(t, err)
}

func TestOrderEvents(t *testing.T) {
	parties := newTestParties(t)
	machine := NewMachine(nil, nil)

	events := machine.Subscribe()
	defer machine.Unsubscribe(events)

	order := testOrder(parties, false)
	require.NoError(t, machine.Propose(order))
	require.NoError(t, machine.MarkFunded(order.ID, parties.buyer))

	select {
	case event := <-events:
		assert.Equal(t, StatusProposed, event.OldStatus)
		assert.Equal(t, StatusFunded, event.NewStatus)
		assert.Equal(t, order.ID, event.Order.ID)
	default:
		t.Fatal("no event received for committed transition")
	}
}
