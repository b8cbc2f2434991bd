/*
File Name:  Order.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Order record format. All integers are little endian.

Offset  Size   Info
0       1      Version = 0
1       16     Order ID
17      1      Status
18      33     Buyer public key, compressed form
51      33     Seller public key, compressed form
84      1      Moderator flag. 1 = moderator key follows.
85      33     Moderator public key, only if the flag is set
        32     Listing hash
        8      Price in the smallest unit of the listing currency
        8      Created timestamp, Unix epoch in seconds
        8      Updated timestamp, Unix epoch in seconds
        1+?    Escrow address, length prefixed
*/

package escrow

import (
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/btcec"
	"github.com/google/uuid"
)

// Order statuses. Transitions are enforced by the state machine.
const (
	StatusProposed = iota // Order proposed by the buyer and accepted by the seller. Escrow address derived.
	StatusFunded          // Buyer funded the escrow address.
	StatusShipped         // Seller shipped the goods.
	StatusReleased        // Funds released to the seller. Terminal.
	StatusDisputed        // Dispute opened, awaiting a moderated ruling.
	StatusRefunded        // Funds refunded to the buyer after a ruling. Terminal.
)

// StatusText returns a human readable order status
func StatusText(status int) string {
	switch status {
	case StatusProposed:
		return "proposed"
	case StatusFunded:
		return "funded"
	case StatusShipped:
		return "shipped"
	case StatusReleased:
		return "released"
	case StatusDisputed:
		return "disputed"
	case StatusRefunded:
		return "refunded"
	}
	return "unknown"
}

// Order is a single order between a buyer and a seller with an optional moderator for dispute resolution.
type Order struct {
	ID            uuid.UUID        // Order ID, chosen by the buyer
	Status        int              // See StatusX
	BuyerKey      *btcec.PublicKey // Buyer public key
	SellerKey     *btcec.PublicKey // Seller public key
	ModeratorKey  *btcec.PublicKey // Optional moderator. Nil = unmoderated, disputes are not possible.
	ListingHash   []byte           // Hash of the purchased listing
	Price         uint64           // Price in the smallest unit of the listing currency
	Created       int64            // Created timestamp, Unix epoch in seconds
	Updated       int64            // Last status change, Unix epoch in seconds
	EscrowAddress string           // Escrow address derived by the wallet
}

// errOrderRecord is returned when a persisted order record cannot be decoded
var errOrderRecord = errors.New("invalid order record")

const listingHashSize = 32

// Encode serializes the order for persistence
func (order *Order) Encode() (raw []byte, err error) {
	if len(order.ListingHash) != listingHashSize || order.BuyerKey == nil || order.SellerKey == nil {
		return nil, errOrderRecord
	}
	if len(order.EscrowAddress) > 255 {
		return nil, errOrderRecord
	}

	raw = append(raw, 0) // version
	raw = append(raw, order.ID[:]...)
	raw = append(raw, byte(order.Status))
	raw = append(raw, order.BuyerKey.SerializeCompressed()...)
	raw = append(raw, order.SellerKey.SerializeCompressed()...)

	if order.ModeratorKey != nil {
		raw = append(raw, 1)
		raw = append(raw, order.ModeratorKey.SerializeCompressed()...)
	} else {
		raw = append(raw, 0)
	}

	raw = append(raw, order.ListingHash...)

	numbers := make([]byte, 24)
	binary.LittleEndian.PutUint64(numbers[0:8], order.Price)
	binary.LittleEndian.PutUint64(numbers[8:16], uint64(order.Created))
	binary.LittleEndian.PutUint64(numbers[16:24], uint64(order.Updated))
	raw = append(raw, numbers...)

	raw = append(raw, byte(len(order.EscrowAddress)))
	raw = append(raw, []byte(order.EscrowAddress)...)

	return raw, nil
}

// DecodeOrder deserializes a persisted order
func DecodeOrder(raw []byte) (order *Order, err error) {
	if len(raw) < 1+16+1+33+33+1 || raw[0] != 0 {
		return nil, errOrderRecord
	}

	order = &Order{}
	copy(order.ID[:], raw[1:17])
	order.Status = int(raw[17])

	if order.BuyerKey, err = btcec.ParsePubKey(raw[18:51], btcec.S256()); err != nil {
		return nil, errOrderRecord
	}
	if order.SellerKey, err = btcec.ParsePubKey(raw[51:84], btcec.S256()); err != nil {
		return nil, errOrderRecord
	}

	index := 85
	if raw[84] == 1 {
		if len(raw) < index+33 {
			return nil, errOrderRecord
		}
		if order.ModeratorKey, err = btcec.ParsePubKey(raw[85:118], btcec.S256()); err != nil {
			return nil, errOrderRecord
		}
		index += 33
	}

	if len(raw) < index+listingHashSize+24+1 {
		return nil, errOrderRecord
	}

	order.ListingHash = make([]byte, listingHashSize)
	copy(order.ListingHash, raw[index:index+listingHashSize])
	index += listingHashSize

	order.Price = binary.LittleEndian.Uint64(raw[index : index+8])
	order.Created = int64(binary.LittleEndian.Uint64(raw[index+8 : index+16]))
	order.Updated = int64(binary.LittleEndian.Uint64(raw[index+16 : index+24]))
	index += 24

	addressLength := int(raw[index])
	index++
	if len(raw) != index+addressLength {
		return nil, errOrderRecord
	}
	order.EscrowAddress = string(raw[index : index+addressLength])

	return order, nil
}

// IsTerminal reports whether the order reached a terminal status
func (order *Order) IsTerminal() bool {
	return order.Status == StatusReleased || order.Status == StatusRefunded
}

// snapshot returns a copy of the order. The key pointers and the listing hash are shared;
// they are never modified after the order is created.
func (order *Order) snapshot() *Order {
	copied := *order
	return &copied
}
