/*
File Name:  Market Encoding_test.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package core

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testListing() *Listing {
	return &Listing{
		Sequence:    3,
		Price:       250000,
		Created:     time.Now().Unix(),
		Expiration:  time.Now().Add(30 * 24 * time.Hour).Unix(),
		Currency:    "BTC",
		Title:       "Hand carved chess set",
		Description: "32 pieces, walnut and maple.",
		Terms:       "Ships within 3 days. No returns.",
		Categories:  []string{"Games", "Handmade"},
		Keywords:    []string{"chess", "walnut"},
	}
}

func TestListingEncodeDecode(t *testing.T) {
	sellerPrivate, sellerPublic := testKeyPair(t)

	listing := testListing()
	raw, err := EncodeListing(listing, sellerPrivate)
	require.NoError(t, err)
	require.Len(t, listing.Hash, hashSize)

	decoded, err := DecodeListing(raw)
	require.NoError(t, err)

	assert.True(t, decoded.SellerKey.IsEqual(sellerPublic))
	assert.Equal(t, listing.Sequence, decoded.Sequence)
	assert.Equal(t, listing.Price, decoded.Price)
	assert.Equal(t, listing.Created, decoded.Created)
	assert.Equal(t, listing.Expiration, decoded.Expiration)
	assert.Equal(t, listing.Currency, decoded.Currency)
	assert.Equal(t, listing.Title, decoded.Title)
	assert.Equal(t, listing.Description, decoded.Description)
	assert.Equal(t, listing.Terms, decoded.Terms)
	assert.Equal(t, listing.Categories, decoded.Categories)
	assert.Equal(t, listing.Keywords, decoded.Keywords)
	assert.Equal(t, listing.Hash, decoded.Hash)
}

func TestListingSignatureTamper(t *testing.T) {
	sellerPrivate, _ := testKeyPair(t)

	listing := testListing()
	raw, err := EncodeListing(listing, sellerPrivate)
	require.NoError(t, err)

	// changing the price after signing invalidates the signature
	tampered := make([]byte, len(raw))
	copy(tampered, raw)
	tampered[42] ^= 1

	_, err = DecodeListing(tampered)
	assert.ErrorIs(t, err, ErrListingSignature)
}

func TestListingValidation(t *testing.T) {
	sellerPrivate, _ := testKeyPair(t)

	// empty title is rejected
	listing := testListing()
	listing.Title = ""
	_, err := EncodeListing(listing, sellerPrivate)
	assert.ErrorIs(t, err, ErrListingInvalid)

	// empty currency is rejected
	listing = testListing()
	listing.Currency = ""
	_, err = EncodeListing(listing, sellerPrivate)
	assert.ErrorIs(t, err, ErrListingInvalid)

	// truncated record is rejected
	listing = testListing()
	raw, err := EncodeListing(listing, sellerPrivate)
	require.NoError(t, err)
	_, err = DecodeListing(raw[:len(raw)-signatureSize-2])
	assert.Error(t, err)
}

func TestListingExpiration(t *testing.T) {
	listing := testListing()

	assert.False(t, listing.IsExpired(time.Now()))
	assert.True(t, listing.IsExpired(time.Unix(listing.Expiration, 0)))

	// 0 means no expiration
	listing.Expiration = 0
	assert.False(t, listing.IsExpired(time.Now()))
}

func TestListingIndexEncodeDecode(t *testing.T) {
	sellerPrivate, sellerPublic := testKeyPair(t)

	index := &ListingIndex{
		Sequence: 9,
		Hashes:   [][]byte{hashData([]byte("listing 1")), hashData([]byte("listing 2"))},
	}

	raw, err := EncodeListingIndex(index, sellerPrivate)
	require.NoError(t, err)
	assert.Equal(t, uint8(RecordTypeListingIndex), raw[0])

	decoded, err := DecodeListingIndex(raw)
	require.NoError(t, err)
	assert.True(t, decoded.SellerKey.IsEqual(sellerPublic))
	assert.Equal(t, index.Sequence, decoded.Sequence)
	assert.Equal(t, index.Hashes, decoded.Hashes)

	// tampering with the hash list invalidates the signature
	raw[50] ^= 1
	_, err = DecodeListingIndex(raw)
	assert.Error(t, err)
}

func TestListingDerivedKeys(t *testing.T) {
	_, sellerPublic := testKeyPair(t)
	_, otherPublic := testKeyPair(t)

	// keys are stable and case insensitive for categories and keywords
	assert.Equal(t, ListingKeyCategory(sellerPublic, "Games"), ListingKeyCategory(sellerPublic, "games"))
	assert.Equal(t, ListingKeyKeyword(sellerPublic, "Chess"), ListingKeyKeyword(sellerPublic, "chess"))

	// different sellers derive different keys
	assert.NotEqual(t, ListingKeySeller(sellerPublic), ListingKeySeller(otherPublic))
	assert.NotEqual(t, ListingKeyCategory(sellerPublic, "games"), ListingKeyKeyword(sellerPublic, "games"))
}

func TestOrderRequestEncodeDecode(t *testing.T) {
	_, moderatorPublic := testKeyPair(t)

	request := &OrderRequest{
		OrderID:      uuid.New(),
		ListingHash:  hashData([]byte("some listing")),
		Price:        5000,
		Timestamp:    time.Now().Unix(),
		ModeratorKey: moderatorPublic,
	}

	decoded, err := msgDecodeOrderRequest(msgEncodeOrderRequest(request))
	require.NoError(t, err)
	assert.Equal(t, request.OrderID, decoded.OrderID)
	assert.Equal(t, request.ListingHash, decoded.ListingHash)
	assert.Equal(t, request.Price, decoded.Price)
	assert.Equal(t, request.Timestamp, decoded.Timestamp)
	assert.True(t, decoded.ModeratorKey.IsEqual(moderatorPublic))

	// without moderator
	request.ModeratorKey = nil
	decoded, err = msgDecodeOrderRequest(msgEncodeOrderRequest(request))
	require.NoError(t, err)
	assert.Nil(t, decoded.ModeratorKey)

	// truncated
	_, err = msgDecodeOrderRequest(msgEncodeOrderRequest(request)[:30])
	assert.Error(t, err)
}

func TestOrderResponseEncodeDecode(t *testing.T) {
	response := &OrderResponse{
		OrderID:       uuid.New(),
		Accepted:      true,
		EscrowAddress: "esc1cafe",
	}

	raw, err := msgEncodeOrderResponse(response)
	require.NoError(t, err)

	decoded, err := msgDecodeOrderResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, response.OrderID, decoded.OrderID)
	assert.True(t, decoded.Accepted)
	assert.Equal(t, response.EscrowAddress, decoded.EscrowAddress)
	assert.Empty(t, decoded.Reason)

	// rejection carries a reason
	rejection := &OrderResponse{OrderID: response.OrderID, Reason: "listing expired"}
	raw, err = msgEncodeOrderResponse(rejection)
	require.NoError(t, err)
	decoded, err = msgDecodeOrderResponse(raw)
	require.NoError(t, err)
	assert.False(t, decoded.Accepted)
	assert.Equal(t, "listing expired", decoded.Reason)
}

func TestOrderEventEncodeDecode(t *testing.T) {
	signerPrivate, signerPublic := testKeyPair(t)

	event := &OrderEvent{
		OrderID:   uuid.New(),
		Event:     OrderEventRulingRefund,
		Timestamp: time.Now().Unix(),
	}

	digest := OrderEventDigest(event.OrderID, event.Event, event.Timestamp)
	signature, err := SignOrderEvent(event.OrderID, event.Event, event.Timestamp, signerPrivate)
	require.NoError(t, err)
	event.Signatures = [][]byte{signature}

	raw, err := msgEncodeOrderEvent(event)
	require.NoError(t, err)

	decoded, err := msgDecodeOrderEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, event.OrderID, decoded.OrderID)
	assert.Equal(t, event.Event, decoded.Event)
	assert.Equal(t, event.Timestamp, decoded.Timestamp)
	require.Len(t, decoded.Signatures, 1)

	// the signature verifies against the signer, not against others
	assert.True(t, VerifyEventSignature(digest, decoded.Signatures[0], signerPublic))
	_, otherPublic := testKeyPair(t)
	assert.False(t, VerifyEventSignature(digest, decoded.Signatures[0], otherPublic))

	// the digest binds the event type
	digestOther := OrderEventDigest(event.OrderID, OrderEventRulingRelease, event.Timestamp)
	assert.False(t, VerifyEventSignature(digestOther, decoded.Signatures[0], signerPublic))

	// signature count must match the payload size
	raw[25] = 2
	_, err = msgDecodeOrderEvent(raw)
	assert.Error(t, err)
}
