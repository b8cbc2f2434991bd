/*
File Name:  Packet Encoding.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Basic packet structure of ALL packets:
Offset  Size   Info
0       4      Nonce
4       1      Protocol version = 0
5       1      Command
6       4      Sequence
10      2      Size of payload data
12      ?      Payload
        ?      Randomized garbage
?       65     Signature, ECDSA secp256k1 512-bit + 1 header byte

The peer ID of the sender, which is a ECDSA (secp256k1) 257-bit public key, can be extracted from the ECDSA signature.
The signature is applied on the entire packet, which guarantees that the signature becomes invalid should someone try to forge the receiver (i.e. forward the packet).
Because the signature could be a possible fingerprint, it is encrypted itself.
*/

package core

import (
	"encoding/binary"
	"errors"
	"math/rand"

	"github.com/btcsuite/btcd/btcec"
	"golang.org/x/crypto/salsa20"
	"lukechampine.com/blake3"
)

// ProtocolVersion is the current protocol version
const ProtocolVersion = 0

// Commands between peers
const (
	// Peer and DHT traffic
	CommandAnnouncement   = 0 // Announcement, also used for all requests into the DHT
	CommandResponse       = 1 // Response to an announcement
	CommandPing           = 2 // Ping
	CommandPong           = 3 // Pong, response to a ping
	CommandLocalDiscovery = 4 // Local discovery via multicast and broadcast

	// Marketplace traffic
	CommandOrder         = 10 // Order request sent by a buyer to a seller
	CommandOrderResponse = 11 // Order response sent by the seller
	CommandOrderEvent    = 12 // Order lifecycle event (shipped, release, dispute, ruling)
)

// Actions in Announcement message
const (
	ActionFindSelf  = 0 // FIND_SELF: Request closest neighbors to self
	ActionFindPeer  = 1 // FIND_PEER: Request closest neighbors to target peer
	ActionFindValue = 2 // FIND_VALUE: Request data or closest peers
	ActionInfoStore = 3 // INFO_STORE: Sender indicates storing provided data
)

// PacketRaw is a decrypted P2P message
type PacketRaw struct {
	Protocol uint8  // Protocol version = 0
	Command  uint8  // See CommandX constants
	Sequence uint32 // Sequence number
	Payload  []byte // Payload
}

// The minimum packet size is 12 bytes (minimum header size) + 65 bytes (signature)
const packetLengthMin = 12 + signatureSize
const signatureSize = 65
const maxRandomGarbage = 20

// internetSafeMTU is a payload size that is safe against fragmentation on typical links
const internetSafeMTU = 1280 - 40 - 8 // IPv6 minimum MTU - IPv6 header - UDP header

// hashData abstracts the hash function. All identifiers (node IDs, data keys, listing hashes) are blake3 256-bit.
func hashData(data []byte) (hash []byte) {
	hash32 := blake3.Sum256(data)
	return hash32[:]
}

// PacketDecrypt decrypts the packet, verifies its signature and returns a high-level version of the packet.
// The signature is verified against the entire packet (except the signature itself).
func PacketDecrypt(raw []byte, receiverPublicKey *btcec.PublicKey) (packet *PacketRaw, senderPublicKey *btcec.PublicKey, err error) {
	if len(raw) < packetLengthMin {
		return nil, nil, errors.New("packet too short")
	}

	// Prepare Salsa20 nonce and key. Nonce = 2x first 4 bytes. For size reasons, only 4 bytes (instead of 8 bytes) is supplied in the packet.
	// This could be a risk, but considering we only use the PUBLIC key as decryption key, it is negligible.
	nonce := make([]byte, 8)
	copy(nonce[0:4], raw[0:4])
	copy(nonce[4:8], raw[0:4])

	// Verify the signature and extract the public key from it.
	var signature [signatureSize]byte
	copy(signature[:], raw[len(raw)-signatureSize:])
	keySalsa := publicKeyToSalsa20Key(receiverPublicKey)
	salsa20.XORKeyStream(signature[:], signature[:], nonce, keySalsa)

	senderPublicKey, _, err = btcec.RecoverCompact(btcec.S256(), signature[:], hashData(raw[:len(raw)-signatureSize]))
	if err != nil {
		return nil, nil, err
	}

	// Decrypt the packet using Salsa20.
	bufferDecrypted := make([]byte, len(raw)-signatureSize-4) // full length -signature -nonce
	salsa20.XORKeyStream(bufferDecrypted[:], raw[4:len(raw)-signatureSize], nonce, keySalsa)

	// copy all fields
	packet = &PacketRaw{Protocol: bufferDecrypted[0], Command: bufferDecrypted[1]}
	packet.Sequence = binary.LittleEndian.Uint32(bufferDecrypted[2:6])

	sizePayload := binary.LittleEndian.Uint16(bufferDecrypted[6:8])
	if int(sizePayload) > len(bufferDecrypted)-8 { // invalid length?
		return nil, nil, errors.New("invalid length field")
	}
	if sizePayload > 0 {
		packet.Payload = make([]byte, int(sizePayload))
		copy(packet.Payload, bufferDecrypted[8:8+int(sizePayload)])
	}

	return packet, senderPublicKey, nil
}

// PacketEncrypt encrypts a packet using the provided senders private key and receivers compressed public key.
func PacketEncrypt(senderPrivateKey *btcec.PrivateKey, receiverPublicKey *btcec.PublicKey, packet *PacketRaw) (raw []byte, err error) {
	garbage := packetGarbage(packetLengthMin + len(packet.Payload))
	raw = make([]byte, packetLengthMin+len(packet.Payload)+len(garbage))

	nonceC := rand.Uint32()
	nonce := make([]byte, 8)
	binary.LittleEndian.PutUint32(nonce[0:4], nonceC)
	binary.LittleEndian.PutUint32(nonce[4:8], nonceC)
	copy(raw[0:4], nonce[0:4])

	raw[4] = packet.Protocol
	raw[5] = packet.Command

	binary.LittleEndian.PutUint32(raw[6:10], packet.Sequence)
	binary.LittleEndian.PutUint16(raw[10:12], uint16(len(packet.Payload)))
	copy(raw[12:], packet.Payload)
	copy(raw[12+len(packet.Payload):12+len(packet.Payload)+len(garbage)], garbage)

	// encrypt it using Salsa20
	keySalsa := publicKeyToSalsa20Key(receiverPublicKey)
	salsa20.XORKeyStream(raw[4:12+len(packet.Payload)+len(garbage)], raw[4:12+len(packet.Payload)+len(garbage)], nonce, keySalsa)

	// add signature
	signature, err := btcec.SignCompact(btcec.S256(), senderPrivateKey, hashData(raw[:len(raw)-signatureSize]), true)
	if err != nil {
		return nil, err
	}

	salsa20.XORKeyStream(signature[:], signature[:], nonce, keySalsa)
	copy(raw[len(raw)-signatureSize:], signature)

	return raw, nil
}

func packetGarbage(packetLength int) (random []byte) {
	// Align maximum length at 508 bytes (UDP minimum no fragmentation) and at a relatively safe MTU.
	maxLength := maxRandomGarbage
	switch {
	case packetLength == 508, packetLength == internetSafeMTU:
		return nil
	case packetLength < 508 && (508-packetLength) < maxRandomGarbage:
		maxLength = 508 - packetLength
	case packetLength < internetSafeMTU && (internetSafeMTU-packetLength) < maxRandomGarbage:
		maxLength = internetSafeMTU - packetLength
	}
	if maxLength <= 0 {
		return nil
	}

	b := make([]byte, rand.Intn(maxLength))
	if _, err := rand.Read(b); err != nil {
		return nil
	}
	return b
}

func publicKeyToSalsa20Key(publicKey *btcec.PublicKey) (key *[32]byte) {
	// bit 0 from PublicKey.Y is ignored here, but is negligible for this purpose
	key = new([32]byte)
	copy(key[:], publicKey.SerializeCompressed()[1:])
	return key
}
