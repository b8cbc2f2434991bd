/*
File Name:  Packet Encoding_test.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package core

import (
	"testing"

	"github.com/btcsuite/btcd/btcec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) (*btcec.PrivateKey, *btcec.PublicKey) {
	privateKey, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	return privateKey, privateKey.PubKey()
}

func TestPacketEncryptDecrypt(t *testing.T) {
	senderPrivate, senderPublic := testKeyPair(t)
	receiverPrivate, receiverPublic := testKeyPair(t)
	_ = receiverPrivate

	packet := &PacketRaw{
		Protocol: ProtocolVersion,
		Command:  CommandAnnouncement,
		Sequence: 42,
		Payload:  []byte("payload of the announcement"),
	}

	raw, err := PacketEncrypt(senderPrivate, receiverPublic, packet)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), packetLengthMin)

	decoded, decodedSender, err := PacketDecrypt(raw, receiverPublic)
	require.NoError(t, err)

	assert.Equal(t, packet.Protocol, decoded.Protocol)
	assert.Equal(t, packet.Command, decoded.Command)
	assert.Equal(t, packet.Sequence, decoded.Sequence)
	assert.Equal(t, packet.Payload, decoded.Payload)

	// the sender public key is recovered from the signature
	assert.True(t, decodedSender.IsEqual(senderPublic))
}

func TestPacketDecryptEmptyPayload(t *testing.T) {
	senderPrivate, _ := testKeyPair(t)
	_, receiverPublic := testKeyPair(t)

	raw, err := PacketEncrypt(senderPrivate, receiverPublic, &PacketRaw{Command: CommandPing, Sequence: 7})
	require.NoError(t, err)

	decoded, _, err := PacketDecrypt(raw, receiverPublic)
	require.NoError(t, err)
	assert.Equal(t, uint8(CommandPing), decoded.Command)
	assert.Empty(t, decoded.Payload)
}

func TestPacketDecryptWrongReceiver(t *testing.T) {
	senderPrivate, senderPublic := testKeyPair(t)
	_, receiverPublic := testKeyPair(t)
	_, otherPublic := testKeyPair(t)

	raw, err := PacketEncrypt(senderPrivate, receiverPublic, &PacketRaw{Command: CommandAnnouncement, Payload: []byte("secret")})
	require.NoError(t, err)

	// decrypting with the wrong receiver key must not yield the original sender and payload
	decoded, decodedSender, err := PacketDecrypt(raw, otherPublic)
	if err == nil {
		assert.False(t, decodedSender.IsEqual(senderPublic))
		if decoded != nil {
			assert.NotEqual(t, []byte("secret"), decoded.Payload)
		}
	}
}

func TestPacketDecryptTampered(t *testing.T) {
	senderPrivate, senderPublic := testKeyPair(t)
	_, receiverPublic := testKeyPair(t)

	raw, err := PacketEncrypt(senderPrivate, receiverPublic, &PacketRaw{Command: CommandAnnouncement, Payload: []byte("original data")})
	require.NoError(t, err)

	// flip one bit in the encrypted body; the signature must no longer recover the sender key
	raw[6] ^= 1

	_, decodedSender, err := PacketDecrypt(raw, receiverPublic)
	if err == nil {
		assert.False(t, decodedSender.IsEqual(senderPublic))
	}
}

func TestPacketDecryptTooShort(t *testing.T) {
	_, receiverPublic := testKeyPair(t)

	_, _, err := PacketDecrypt(make([]byte, packetLengthMin-1), receiverPublic)
	assert.Error(t, err)
}

func TestPacketLargeRecordRoundTrip(t *testing.T) {
	senderPrivate, senderPublic := testKeyPair(t)
	_, receiverPublic := testKeyPair(t)

	// a listing at the field size limits must survive the full wire encoding
	listing := testListing()
	listing.Description = string(make([]byte, listingDescriptionMax))
	listing.Terms = string(make([]byte, listingTermsMax))

	record, err := EncodeListing(listing, senderPrivate)
	require.NoError(t, err)

	packets, err := msgEncodeAnnouncement(false, false, nil, nil, []InfoStore{{
		ID:   KeyHash{Hash: listing.Hash},
		Size: uint64(len(record)),
		Type: RecordTypeListing,
		Data: record,
	}})
	require.NoError(t, err)
	require.Len(t, packets, 1)

	raw, err := PacketEncrypt(senderPrivate, receiverPublic, &PacketRaw{Command: CommandAnnouncement, Payload: packets[0]})
	require.NoError(t, err)

	// every encoded packet must fit into the receive buffer, otherwise the receiver
	// truncates it and signature verification drops it silently
	require.LessOrEqual(t, len(raw), maxPacketSize)

	decoded, decodedSender, err := PacketDecrypt(raw, receiverPublic)
	require.NoError(t, err)
	assert.True(t, decodedSender.IsEqual(senderPublic))

	announce, err := msgDecodeAnnouncement(&MessageRaw{PacketRaw: *decoded})
	require.NoError(t, err)
	require.Len(t, announce.InfoStoreFiles, 1)
	assert.Equal(t, record, announce.InfoStoreFiles[0].Data)
}

func TestPacketGarbageAlignment(t *testing.T) {
	// packets at the alignment boundaries receive no garbage
	assert.Nil(t, packetGarbage(508))
	assert.Nil(t, packetGarbage(internetSafeMTU))

	// garbage never exceeds the boundary
	for _, size := range []int{100, 500, 507, internetSafeMTU - 5} {
		garbage := packetGarbage(size)
		assert.LessOrEqual(t, size+len(garbage), internetSafeMTU)
	}
}
