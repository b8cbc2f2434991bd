/*
File Name:  Message Encoding.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Intermediary between low-level packets and high-level interpretation.

Announcement and Response messages share a 15 byte header:
Offset  Size   Info
0       1      Protocol version (low 4 bits) and features (high 4 bits)
1       1      Action bit array
2       4      Count of records in the sender's local store
6       8      Sender uptime in seconds
14      1      User Agent length. Only sent in initial announcements.

Store records carry the data embedded (hash + size + type + data) so that published records
replicate to the closest nodes with a single announcement.
*/

package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"time"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec"
)

// FeatureSupport bits. They signal what connections the peer accepts.
const (
	FeatureIPv4Listen = 0 // Sender listens on IPv4
	FeatureIPv6Listen = 1 // Sender listens on IPv6
)

// UserAgent should be set by the caller
var UserAgent = "Bazaarnet Core/0.1"

// MessageRaw is a high-level message between peers that has not been decoded
type MessageRaw struct {
	PacketRaw
	SenderPublicKey *btcec.PublicKey // Sender Public Key, ECDSA (secp256k1) 257-bit
	connection      *Connection      // Connection that received the packet
}

// MessageAnnouncement is the decoded announcement message.
type MessageAnnouncement struct {
	*MessageRaw                // Underlying raw message
	Protocol       uint8       // Protocol version supported (low 4 bits).
	Features       uint8       // Feature support (high 4 bits).
	Actions        uint8       // Action bit array. See ActionX
	StoreRecords   uint32      // Count of records in the sender's local store
	Uptime         uint64      // Sender uptime in seconds
	UserAgent      string      // User Agent. Format "Software/Version". Required in the initial announcement/bootstrap. UTF-8 encoded. Max length is 255 bytes.
	FindPeerKeys   []KeyHash   // FIND_PEER data
	FindDataKeys   []KeyHash   // FIND_VALUE data
	InfoStoreFiles []InfoStore // INFO_STORE data
}

// blake3 digest size in bytes
const hashSize = 32

// KeyHash is a single blake3 key hash
type KeyHash struct {
	Hash []byte
}

// InfoStore is a single record the sender asks the receiver to store. The data is embedded.
type InfoStore struct {
	ID   KeyHash // blake3 hash of the data
	Size uint64  // Size of the data
	Type uint8   // Type of the record: 0 = Listing, 1 = Listing index
	Data []byte  // The record data itself
}

// PeerRecord informs about a peer
type PeerRecord struct {
	PublicKey   *btcec.PublicKey // Public Key
	NodeID      []byte           // Kademlia Node ID
	IP          net.IP           // IP
	Port        uint16           // Port
	LastContact uint32           // Last contact in seconds
}

// Hash2Peer links a hash to peers who are known to store the data and to peers who are considered close to the hash
type Hash2Peer struct {
	ID      KeyHash      // Hash that was queried
	Closest []PeerRecord // Closest peers
	Storing []PeerRecord // Peers known to store the data identified by the hash
}

// EmbeddedDataRecord contains embedded record data sent within a response
type EmbeddedDataRecord struct {
	ID   KeyHash // Hash of the data
	Data []byte  // Data
}

// MessageResponse is the decoded response message.
type MessageResponse struct {
	*MessageRaw                       // Underlying raw message
	Protocol       uint8              // Protocol version supported (low 4 bits).
	Features       uint8              // Feature support (high 4 bits).
	Actions        uint8              // Action bit array. See ActionX
	StoreRecords   uint32             // Count of records in the sender's local store
	Uptime         uint64             // Sender uptime in seconds
	UserAgent      string             // User Agent. Format "Software/Version". UTF-8 encoded. Max length is 255 bytes.
	Hash2Peers     []Hash2Peer        // List of peers that know the requested hashes or at least are close to it
	DataEmbed      []EmbeddedDataRecord // Records that were embedded in the response
	HashesNotFound [][]byte           // Hashes that were reported back as not found
}

func lastContact2Time(lastContact uint32) time.Time {
	return time.Now().Add(-time.Second * time.Duration(lastContact))
}

// ---- message decoding ----

// msgDecodeAnnouncement decodes the incoming announcement message. Returns nil if invalid.
func msgDecodeAnnouncement(msg *MessageRaw) (result *MessageAnnouncement, err error) {
	result = &MessageAnnouncement{
		MessageRaw: msg,
	}

	// validate minimum payload size: 15 bytes
	if len(msg.Payload) < 15 {
		return nil, errors.New("announcement: invalid minimum length")
	}

	result.Protocol = msg.Payload[0] & 0x0F // Protocol version support is stored in the first 4 bits
	result.Features = msg.Payload[0] >> 4   // Feature support, high 4 bits
	result.Actions = msg.Payload[1]
	result.StoreRecords = binary.LittleEndian.Uint32(msg.Payload[2:6])
	result.Uptime = binary.LittleEndian.Uint64(msg.Payload[6:14])

	userAgentLength := int(msg.Payload[14])
	if userAgentLength > 0 {
		if userAgentLength > len(msg.Payload)-15 { // 15 = length of announcement message without user agent
			return nil, errors.New("announcement: user agent overflow")
		}

		userAgentB := msg.Payload[15 : 15+userAgentLength]
		if !utf8.Valid(userAgentB) {
			return nil, errors.New("announcement: user agent invalid encoding")
		}

		result.UserAgent = string(userAgentB)
	}

	data := msg.Payload[15+userAgentLength:]

	// FIND_PEER
	if result.Actions&(1<<ActionFindPeer) > 0 {
		keys, read, valid := decodeKeys(data)
		if !valid {
			return nil, errors.New("announcement: FIND_PEER invalid data")
		}

		data = data[read:]
		result.FindPeerKeys = keys
	}

	// FIND_VALUE
	if result.Actions&(1<<ActionFindValue) > 0 {
		keys, read, valid := decodeKeys(data)
		if !valid {
			return nil, errors.New("announcement: FIND_VALUE invalid data")
		}

		data = data[read:]
		result.FindDataKeys = keys
	}

	// INFO_STORE
	if result.Actions&(1<<ActionInfoStore) > 0 {
		records, read, valid := decodeInfoStore(data)
		if !valid {
			return nil, errors.New("announcement: INFO_STORE invalid data")
		}

		data = data[read:]
		result.InfoStoreFiles = records
	}

	// Accept extra data in case future features append additional data.

	return
}

// decodeKeys decodes keys. Header is 2 bytes (count) followed by the actual keys (each 32 bytes blake3 hash).
func decodeKeys(data []byte) (keys []KeyHash, read int, valid bool) {
	if len(data) < 2+hashSize { // minimum length
		return nil, 0, false
	}

	count := binary.LittleEndian.Uint16(data[0:2])

	if read = 2 + int(count)*hashSize; len(data) < read {
		return nil, 0, false
	}

	for n := 0; n < int(count); n++ {
		key := make([]byte, hashSize)
		copy(key, data[2+n*hashSize:2+n*hashSize+hashSize])
		keys = append(keys, KeyHash{Hash: key})
	}

	return keys, read, true
}

// decodeInfoStore decodes store records. Each record is hash (32) + size (8) + type (1) + embedded data.
// The embedded data must match the declared size and hash.
func decodeInfoStore(data []byte) (records []InfoStore, read int, valid bool) {
	if len(data) < 2+41 { // minimum length
		return nil, 0, false
	}

	count := binary.LittleEndian.Uint16(data[0:2])
	read = 2
	index := 2

	for n := 0; n < int(count); n++ {
		if read += 41; len(data) < read {
			return nil, 0, false
		}

		record := InfoStore{}
		record.ID.Hash = make([]byte, hashSize)
		copy(record.ID.Hash, data[index:index+hashSize])
		record.Size = binary.LittleEndian.Uint64(data[index+32 : index+32+8])
		record.Type = data[index+40]
		index += 41

		if record.Size > EmbeddedDataSizeMax {
			return nil, 0, false
		}

		if read += int(record.Size); len(data) < read {
			return nil, 0, false
		}

		record.Data = make([]byte, int(record.Size))
		copy(record.Data, data[index:index+int(record.Size)])
		index += int(record.Size)

		// validate the hash
		if !bytes.Equal(record.ID.Hash, hashData(record.Data)) {
			return nil, 0, false
		}

		records = append(records, record)
	}

	return records, read, true
}

// msgDecodeResponse decodes the incoming response message. Returns nil if invalid.
func msgDecodeResponse(msg *MessageRaw) (result *MessageResponse, err error) {
	result = &MessageResponse{
		MessageRaw: msg,
	}

	// validate minimum payload size: 15 + 6 bytes
	if len(msg.Payload) < 15+6 {
		return nil, errors.New("response: invalid minimum length")
	}

	result.Protocol = msg.Payload[0] & 0x0F // Protocol version support is stored in the first 4 bits
	result.Features = msg.Payload[0] >> 4   // Feature support, high 4 bits
	result.Actions = msg.Payload[1]
	result.StoreRecords = binary.LittleEndian.Uint32(msg.Payload[2:6])
	result.Uptime = binary.LittleEndian.Uint64(msg.Payload[6:14])

	userAgentLength := int(msg.Payload[14])
	read := 15

	if userAgentLength > 0 {
		if userAgentLength > len(msg.Payload)-15-6 {
			return nil, errors.New("response: user agent overflow")
		}

		userAgentB := msg.Payload[15 : 15+userAgentLength]
		if !utf8.Valid(userAgentB) {
			return nil, errors.New("response: user agent invalid encoding")
		}

		result.UserAgent = string(userAgentB)
		read += userAgentLength
	}

	countPeerResponses := binary.LittleEndian.Uint16(msg.Payload[read+0 : read+0+2])
	countEmbeddedRecords := binary.LittleEndian.Uint16(msg.Payload[read+2 : read+2+2])
	countHashesNotFound := binary.LittleEndian.Uint16(msg.Payload[read+4 : read+4+2])
	read += 6

	data := msg.Payload[read:]

	// Peer response data
	if countPeerResponses > 0 {
		hash2Peers, read, valid := decodeHash2Peer(data, int(countPeerResponses))
		if !valid {
			return nil, errors.New("response: peer info invalid data")
		}
		data = data[read:]

		result.Hash2Peers = append(result.Hash2Peers, hash2Peers...)
	}

	// Embedded records
	if countEmbeddedRecords > 0 {
		dataEmbed, read, valid := decodeEmbeddedData(data, int(countEmbeddedRecords))
		if !valid {
			return nil, errors.New("response: embedded record invalid data")
		}
		data = data[read:]

		result.DataEmbed = append(result.DataEmbed, dataEmbed...)
	}

	// Hashes not found
	if countHashesNotFound > 0 {
		if len(data) < int(countHashesNotFound)*hashSize {
			return nil, errors.New("response: hash list invalid data")
		}

		for n := 0; n < int(countHashesNotFound); n++ {
			hash := make([]byte, hashSize)
			copy(hash, data[n*hashSize:n*hashSize+hashSize])

			result.HashesNotFound = append(result.HashesNotFound, hash)
		}
	}

	return
}

// decodeHash2Peer decodes the response data for FIND_SELF, FIND_PEER and FIND_VALUE messages
func decodeHash2Peer(data []byte, count int) (hash2Peers []Hash2Peer, read int, valid bool) {
	index := 0

	for n := 0; n < count; n++ {
		if read += 34; len(data) < read {
			return nil, 0, false
		}

		hash := make([]byte, hashSize)
		copy(hash, data[index:index+32])
		countField := binary.LittleEndian.Uint16(data[index+32 : index+32+2])
		index += 34

		hash2Peer := Hash2Peer{ID: KeyHash{hash}}

		// Response contains peer records
		for m := 0; m < int(countField); m++ {
			if read += 56; len(data) < read {
				return nil, 0, false
			}

			peer := PeerRecord{}

			peerIDcompressed := make([]byte, 33)
			copy(peerIDcompressed[:], data[index:index+33])

			ipB := make([]byte, 16)
			copy(ipB[:], data[index+33:index+33+16])
			peer.IP = ipB

			peer.Port = binary.LittleEndian.Uint16(data[index+49 : index+49+2])
			peer.LastContact = binary.LittleEndian.Uint32(data[index+51 : index+51+4])
			reason := data[index+55]

			var err error
			if peer.PublicKey, err = btcec.ParsePubKey(peerIDcompressed, btcec.S256()); err != nil {
				return nil, 0, false
			}

			peer.NodeID = publicKey2NodeID(peer.PublicKey)

			if reason == 0 { // Peer was returned because it is close to the requested hash
				hash2Peer.Closest = append(hash2Peer.Closest, peer)
			} else if reason == 1 { // Peer stores the data
				hash2Peer.Storing = append(hash2Peer.Storing, peer)
			}

			index += 56
		}

		hash2Peers = append(hash2Peers, hash2Peer)
	}

	return hash2Peers, read, true
}

// decodeEmbeddedData decodes the embedded record response data for FIND_VALUE
func decodeEmbeddedData(data []byte, count int) (dataEmbed []EmbeddedDataRecord, read int, valid bool) {
	index := 0

	for n := 0; n < count; n++ {
		if read += 34; len(data) < read {
			return nil, 0, false
		}

		hash := make([]byte, hashSize)
		copy(hash, data[index:index+32])
		sizeField := int(binary.LittleEndian.Uint16(data[index+32 : index+32+2]))
		index += 34

		if read += sizeField; len(data) < read {
			return nil, 0, false
		}

		recordData := make([]byte, sizeField)
		copy(recordData[:], data[index:index+sizeField])

		index += sizeField

		// validate the hash
		if !bytes.Equal(hash, hashData(recordData)) {
			return nil, read, false
		}

		dataEmbed = append(dataEmbed, EmbeddedDataRecord{ID: KeyHash{Hash: hash}, Data: recordData})
	}

	return dataEmbed, read, true
}

// ---- message encoding ----

const udpMaxPacketSize = 65507

// isPacketSizeExceed checks if the max packet size would be exceeded with the payload
func isPacketSizeExceed(currentSize int, testSize int) bool {
	return currentSize+testSize > udpMaxPacketSize-packetLengthMin
}

// selfStoreRecords returns the count of records in the local store for the announcement header
func selfStoreRecords() uint32 {
	if dhtStore == nil {
		return 0
	}
	return uint32(dhtStore.Count())
}

// selfUptime returns the node uptime in seconds
func selfUptime() uint64 {
	return uint64(time.Since(nodeStartTime) / time.Second)
}

// msgEncodeAnnouncement encodes an announcement message. It may return multiple messages if the input does not fit into one.
// findPeer is a list of node IDs (blake3 hash of peer ID compressed form)
// findValue is a list of hashes
// records is a list of store records with embedded data
func msgEncodeAnnouncement(sendUA, findSelf bool, findPeer []KeyHash, findValue []KeyHash, records []InfoStore) (packetsRaw [][]byte, err error) {
createPacketLoop:
	for {
		raw := make([]byte, 64*1024) // max UDP packet size
		packetSize := 15

		raw[0] = byte(ProtocolVersion + featureSupport()<<4) // Protocol and Features
		binary.LittleEndian.PutUint32(raw[2:6], selfStoreRecords())
		binary.LittleEndian.PutUint64(raw[6:14], selfUptime())

		// only on initial announcement the User Agent must be provided according to the protocol spec
		if sendUA {
			if len(UserAgent) > 255 {
				UserAgent = UserAgent[:255]
			}
			userAgentB := []byte(UserAgent)

			raw[14] = byte(len(userAgentB))
			copy(raw[15:15+len(userAgentB)], userAgentB)
			packetSize += len(userAgentB)
		}

		// FIND_SELF
		if findSelf {
			raw[1] |= 1 << ActionFindSelf
		}

		// FIND_PEER
		if len(findPeer) > 0 {
			// check if there is enough space for at least the header and 1 record
			if isPacketSizeExceed(packetSize, 2+32) {
				packetsRaw = append(packetsRaw, raw[:packetSize])
				continue createPacketLoop
			}

			raw[1] |= 1 << ActionFindPeer
			index := packetSize
			packetSize += 2

			for n, find := range findPeer {
				// check if minimum length is available in packet
				if isPacketSizeExceed(packetSize, 32) {
					packetsRaw = append(packetsRaw, raw[:packetSize])
					findPeer = findPeer[n:]
					continue createPacketLoop
				}

				binary.LittleEndian.PutUint16(raw[index:index+2], uint16(n+1))
				copy(raw[index+2+32*n:index+2+32*n+32], find.Hash)
				packetSize += 32
			}

			findPeer = nil
		}

		// FIND_VALUE
		if len(findValue) > 0 {
			// check if there is enough space for at least the header and 1 record
			if isPacketSizeExceed(packetSize, 2+32) {
				packetsRaw = append(packetsRaw, raw[:packetSize])
				continue createPacketLoop
			}

			raw[1] |= 1 << ActionFindValue
			index := packetSize
			packetSize += 2

			for n, find := range findValue {
				// check if minimum length is available in packet
				if isPacketSizeExceed(packetSize, 32) {
					packetsRaw = append(packetsRaw, raw[:packetSize])
					findValue = findValue[n:]
					continue createPacketLoop
				}

				binary.LittleEndian.PutUint16(raw[index:index+2], uint16(n+1))
				copy(raw[index+2+32*n:index+2+32*n+32], find.Hash)
				packetSize += 32
			}

			findValue = nil
		}

		// INFO_STORE
		if len(records) > 0 {
			// check if there is enough space for at least the header and 1 record
			if isPacketSizeExceed(packetSize, 2+41+len(records[0].Data)) {
				packetsRaw = append(packetsRaw, raw[:packetSize])
				continue createPacketLoop
			}

			raw[1] |= 1 << ActionInfoStore
			countIndex := packetSize
			packetSize += 2

			for n, record := range records {
				if uint64(len(record.Data)) != record.Size || record.Size > EmbeddedDataSizeMax {
					return nil, errors.New("store record size mismatch")
				}

				// check if minimum length is available in packet
				if isPacketSizeExceed(packetSize, 41+len(record.Data)) {
					packetsRaw = append(packetsRaw, raw[:packetSize])
					records = records[n:]
					continue createPacketLoop
				}

				index := packetSize
				copy(raw[index:index+32], record.ID.Hash)
				binary.LittleEndian.PutUint64(raw[index+32:index+32+8], record.Size)
				raw[index+40] = record.Type
				copy(raw[index+41:index+41+len(record.Data)], record.Data)

				packetSize += 41 + len(record.Data)
				binary.LittleEndian.PutUint16(raw[countIndex:countIndex+2], uint16(n+1))
			}

			records = nil
		}

		packetsRaw = append(packetsRaw, raw[:packetSize])

		if len(findPeer) == 0 && len(findValue) == 0 && len(records) == 0 {
			return
		}
	}
}

// EmbeddedDataSizeMax is the maximum size of embedded record data in announcement and response messages.
const EmbeddedDataSizeMax = udpMaxPacketSize - packetLengthMin - 15 - 2 - 41

// msgEncodeResponse encodes a response message
// hash2Peers will be modified.
func msgEncodeResponse(sendUA bool, hash2Peers []Hash2Peer, dataEmbed []EmbeddedDataRecord, hashesNotFound [][]byte) (packetsRaw [][]byte, err error) {
	for n := range dataEmbed {
		if len(dataEmbed[n].Data) > EmbeddedDataSizeMax {
			return nil, errors.New("embedded record too big")
		}
	}

createPacketLoop:
	for {
		raw := make([]byte, 64*1024) // max UDP packet size
		packetSize := 15

		raw[0] = byte(ProtocolVersion + featureSupport()<<4) // Protocol and Features
		binary.LittleEndian.PutUint32(raw[2:6], selfStoreRecords())
		binary.LittleEndian.PutUint64(raw[6:14], selfUptime())

		// only on initial response the User Agent must be provided according to the protocol spec
		if sendUA {
			if len(UserAgent) > 255 {
				UserAgent = UserAgent[:255]
			}
			userAgentB := []byte(UserAgent)

			raw[14] = byte(len(userAgentB))
			copy(raw[15:15+len(userAgentB)], userAgentB)
			packetSize += len(userAgentB)
		}

		// 3 count fields at raw[countIndex]: count of peer responses, embedded records, and hashes not found
		countIndex := packetSize
		packetSize += 6

		// Encode the peer response data for FIND_SELF, FIND_PEER and FIND_VALUE requests.
		if len(hash2Peers) > 0 {
			for n, hash2Peer := range hash2Peers {
				if isPacketSizeExceed(packetSize, 34+56) { // check if minimum length is available in packet
					packetsRaw = append(packetsRaw, raw[:packetSize])
					hash2Peers = hash2Peers[n:]
					continue createPacketLoop
				}

				index := packetSize
				copy(raw[index:index+32], hash2Peer.ID.Hash)
				count2Index := index + 32

				packetSize += 34
				count2 := uint16(0)

				for m, peer := range hash2Peer.Storing {
					if isPacketSizeExceed(packetSize, 56) { // check if minimum length is available in packet
						packetsRaw = append(packetsRaw, raw[:packetSize])
						hash2Peers = hash2Peers[n:]
						hash2Peer.Storing = hash2Peer.Storing[m:]
						continue createPacketLoop
					}

					index := packetSize
					copy(raw[index:index+33], peer.PublicKey.SerializeCompressed())
					copy(raw[index+33:index+33+16], peer.IP.To16())
					binary.LittleEndian.PutUint16(raw[index+49:index+51], peer.Port)
					binary.LittleEndian.PutUint32(raw[index+51:index+55], peer.LastContact)
					raw[index+55] = 1

					packetSize += 56
					count2++
					binary.LittleEndian.PutUint16(raw[count2Index+0:count2Index+2], count2)
				}

				hash2Peer.Storing = nil

				for m, peer := range hash2Peer.Closest {
					if isPacketSizeExceed(packetSize, 56) { // check if minimum length is available in packet
						packetsRaw = append(packetsRaw, raw[:packetSize])
						hash2Peers = hash2Peers[n:]
						hash2Peer.Closest = hash2Peer.Closest[m:]
						continue createPacketLoop
					}

					index := packetSize
					copy(raw[index:index+33], peer.PublicKey.SerializeCompressed())
					copy(raw[index+33:index+33+16], peer.IP.To16())
					binary.LittleEndian.PutUint16(raw[index+49:index+51], peer.Port)
					binary.LittleEndian.PutUint32(raw[index+51:index+55], peer.LastContact)
					raw[index+55] = 0

					packetSize += 56
					count2++
					binary.LittleEndian.PutUint16(raw[count2Index+0:count2Index+2], count2)
				}

				binary.LittleEndian.PutUint16(raw[countIndex+0:countIndex+0+2], uint16(n+1)) // count of peer responses
			}

			hash2Peers = nil
		}

		// FIND_VALUE response embedded data
		if len(dataEmbed) > 0 {
			if isPacketSizeExceed(packetSize, 34+len(dataEmbed[0].Data)) { // check if there is enough space for at least the header and 1 record
				packetsRaw = append(packetsRaw, raw[:packetSize])
				continue createPacketLoop
			}

			for n, record := range dataEmbed {
				if isPacketSizeExceed(packetSize, 34+len(record.Data)) { // check if minimum length is available in packet
					packetsRaw = append(packetsRaw, raw[:packetSize])
					dataEmbed = dataEmbed[n:]
					continue createPacketLoop
				}

				index := packetSize
				copy(raw[index:index+32], record.ID.Hash)
				binary.LittleEndian.PutUint16(raw[index+32:index+32+2], uint16(len(record.Data)))
				copy(raw[index+34:index+34+len(record.Data)], record.Data)

				binary.LittleEndian.PutUint16(raw[countIndex+2:countIndex+2+2], uint16(n+1)) // count of embedded records
				packetSize += 34 + len(record.Data)
			}

			dataEmbed = nil
		}

		// Hashes not found
		if len(hashesNotFound) > 0 {
			index := packetSize

			for n, hash := range hashesNotFound {
				if isPacketSizeExceed(packetSize, 32) { // check if there is enough space for at least 1 record
					packetsRaw = append(packetsRaw, raw[:packetSize])
					hashesNotFound = hashesNotFound[n:]
					continue createPacketLoop
				}

				copy(raw[index+n*32:index+n*32+32], hash)

				binary.LittleEndian.PutUint16(raw[countIndex+4:countIndex+4+2], uint16(n+1)) // count of hashes not found
				packetSize += 32
			}

			hashesNotFound = nil
		}

		packetsRaw = append(packetsRaw, raw[:packetSize])

		if len(hash2Peers) == 0 && len(dataEmbed) == 0 && len(hashesNotFound) == 0 {
			return
		}
	}
}
