/*
File Name:  Message Encoding_test.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package core

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnouncementEncodeDecode(t *testing.T) {
	findPeer := []KeyHash{{Hash: hashData([]byte("target peer"))}}
	findValue := []KeyHash{{Hash: hashData([]byte("target value 1"))}, {Hash: hashData([]byte("target value 2"))}}

	recordData := []byte("signed listing record")
	records := []InfoStore{{
		ID:   KeyHash{Hash: hashData(recordData)},
		Size: uint64(len(recordData)),
		Type: RecordTypeListing,
		Data: recordData,
	}}

	packets, err := msgEncodeAnnouncement(true, true, findPeer, findValue, records)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	decoded, err := msgDecodeAnnouncement(&MessageRaw{PacketRaw: PacketRaw{Payload: packets[0]}})
	require.NoError(t, err)

	assert.EqualValues(t, ProtocolVersion, decoded.Protocol)
	assert.Equal(t, UserAgent, decoded.UserAgent)
	assert.NotZero(t, decoded.Actions&(1<<ActionFindSelf))

	require.Len(t, decoded.FindPeerKeys, 1)
	assert.Equal(t, findPeer[0].Hash, decoded.FindPeerKeys[0].Hash)

	require.Len(t, decoded.FindDataKeys, 2)
	assert.Equal(t, findValue[1].Hash, decoded.FindDataKeys[1].Hash)

	require.Len(t, decoded.InfoStoreFiles, 1)
	assert.Equal(t, recordData, decoded.InfoStoreFiles[0].Data)
	assert.EqualValues(t, RecordTypeListing, decoded.InfoStoreFiles[0].Type)
}

func TestAnnouncementDecodeMinimal(t *testing.T) {
	packets, err := msgEncodeAnnouncement(false, false, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	decoded, err := msgDecodeAnnouncement(&MessageRaw{PacketRaw: PacketRaw{Payload: packets[0]}})
	require.NoError(t, err)
	assert.Empty(t, decoded.UserAgent)
	assert.Empty(t, decoded.FindPeerKeys)

	// messages below the header size are rejected
	_, err = msgDecodeAnnouncement(&MessageRaw{PacketRaw: PacketRaw{Payload: make([]byte, 14)}})
	assert.Error(t, err)
}

func TestAnnouncementInfoStoreHashMismatch(t *testing.T) {
	recordData := []byte("record data")
	records := []InfoStore{{
		ID:   KeyHash{Hash: hashData([]byte("different data"))},
		Size: uint64(len(recordData)),
		Type: RecordTypeListing,
		Data: recordData,
	}}

	packets, err := msgEncodeAnnouncement(false, false, nil, nil, records)
	require.NoError(t, err)

	// the embedded data hash is validated on decoding
	_, err = msgDecodeAnnouncement(&MessageRaw{PacketRaw: PacketRaw{Payload: packets[0]}})
	assert.Error(t, err)
}

func TestResponseEncodeDecode(t *testing.T) {
	_, peerPublic := testKeyPair(t)

	queried := hashData([]byte("queried key"))
	hash2Peers := []Hash2Peer{{
		ID: KeyHash{Hash: queried},
		Closest: []PeerRecord{{
			PublicKey:   peerPublic,
			IP:          net.ParseIP("192.0.2.7"),
			Port:        12898,
			LastContact: 42,
		}},
		Storing: []PeerRecord{{
			PublicKey:   peerPublic,
			IP:          net.ParseIP("2001:db8::1"),
			Port:        12899,
			LastContact: 7,
		}},
	}}

	embedData := []byte("embedded record")
	dataEmbed := []EmbeddedDataRecord{{ID: KeyHash{Hash: hashData(embedData)}, Data: embedData}}

	hashesNotFound := [][]byte{hashData([]byte("missing 1")), hashData([]byte("missing 2"))}

	packets, err := msgEncodeResponse(true, hash2Peers, dataEmbed, hashesNotFound)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	decoded, err := msgDecodeResponse(&MessageRaw{PacketRaw: PacketRaw{Payload: packets[0]}})
	require.NoError(t, err)

	require.Len(t, decoded.Hash2Peers, 1)
	assert.Equal(t, queried, decoded.Hash2Peers[0].ID.Hash)

	require.Len(t, decoded.Hash2Peers[0].Closest, 1)
	closest := decoded.Hash2Peers[0].Closest[0]
	assert.True(t, closest.PublicKey.IsEqual(peerPublic))
	assert.True(t, closest.IP.Equal(net.ParseIP("192.0.2.7")))
	assert.EqualValues(t, 12898, closest.Port)
	assert.EqualValues(t, 42, closest.LastContact)
	assert.Equal(t, publicKey2NodeID(peerPublic), closest.NodeID)

	require.Len(t, decoded.Hash2Peers[0].Storing, 1)
	assert.True(t, decoded.Hash2Peers[0].Storing[0].IP.Equal(net.ParseIP("2001:db8::1")))

	require.Len(t, decoded.DataEmbed, 1)
	assert.Equal(t, embedData, decoded.DataEmbed[0].Data)

	require.Len(t, decoded.HashesNotFound, 2)
	assert.Equal(t, hashesNotFound[1], decoded.HashesNotFound[1])
}

func TestResponseEncodeMultiPacket(t *testing.T) {
	// hashes not found beyond the packet capacity spill into follow-up packets
	var hashesNotFound [][]byte
	count := (udpMaxPacketSize/hashSize + 10)
	for n := 0; n < count; n++ {
		hashesNotFound = append(hashesNotFound, hashData([]byte{byte(n), byte(n >> 8)}))
	}

	packets, err := msgEncodeResponse(false, nil, nil, hashesNotFound)
	require.NoError(t, err)
	require.Greater(t, len(packets), 1)

	var total int
	for _, packet := range packets {
		decoded, err := msgDecodeResponse(&MessageRaw{PacketRaw: PacketRaw{Payload: packet}})
		require.NoError(t, err)
		total += len(decoded.HashesNotFound)
	}

	assert.Equal(t, count, total)
}

func TestResponseEmbeddedTooBig(t *testing.T) {
	tooBig := make([]byte, EmbeddedDataSizeMax+1)
	_, err := msgEncodeResponse(false, nil, []EmbeddedDataRecord{{ID: KeyHash{Hash: hashData(tooBig)}, Data: tooBig}}, nil)
	assert.Error(t, err)
}
