/*
File Name:  Message Sequence_test.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceValidate(t *testing.T) {
	initMessageSequence()

	_, senderPublic := testKeyPair(t)
	peer := &PeerInfo{PublicKey: senderPublic}

	type callData struct{ tag string }
	info := peer.msgNewSequence(&callData{tag: "lookup 1"})
	require.NotNil(t, info)

	raw := &MessageRaw{PacketRaw: PacketRaw{Sequence: info.sequence}, SenderPublicKey: senderPublic}

	validated, valid, rtt := msgValidateSequence(raw, false)
	require.True(t, valid)
	require.NotNil(t, validated)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))

	// the attached caller data survives the round trip
	data, ok := validated.data.(*callData)
	require.True(t, ok)
	assert.Equal(t, "lookup 1", data.tag)

	// follow-up replies on the same sequence remain valid, the RTT is only measured once
	_, valid, rtt = msgValidateSequence(raw, true)
	assert.True(t, valid)
	assert.Equal(t, time.Duration(0), rtt)
}

func TestSequenceUnknown(t *testing.T) {
	initMessageSequence()

	_, senderPublic := testKeyPair(t)

	raw := &MessageRaw{PacketRaw: PacketRaw{Sequence: 1234}, SenderPublicKey: senderPublic}
	_, valid, _ := msgValidateSequence(raw, false)
	assert.False(t, valid)
}

func TestSequenceInvalidate(t *testing.T) {
	initMessageSequence()

	_, senderPublic := testKeyPair(t)
	peer := &PeerInfo{PublicKey: senderPublic}

	info := peer.msgNewSequence(nil)
	raw := &MessageRaw{PacketRaw: PacketRaw{Sequence: info.sequence}, SenderPublicKey: senderPublic}

	_, valid, _ := msgValidateSequence(raw, false)
	require.True(t, valid)

	// a replayed message after invalidation is rejected
	msgInvalidateSequence(raw)
	_, valid, _ = msgValidateSequence(raw, false)
	assert.False(t, valid)
}

func TestSequencePerPeer(t *testing.T) {
	initMessageSequence()

	_, senderPublic := testKeyPair(t)
	_, otherPublic := testKeyPair(t)
	peer := &PeerInfo{PublicKey: senderPublic}

	info := peer.msgNewSequence(nil)

	// the same sequence number from a different peer is invalid
	raw := &MessageRaw{PacketRaw: PacketRaw{Sequence: info.sequence}, SenderPublicKey: otherPublic}
	_, valid, _ := msgValidateSequence(raw, false)
	assert.False(t, valid)
}

func TestSequenceCancelAll(t *testing.T) {
	initMessageSequence()

	_, senderPublic := testKeyPair(t)
	peer := &PeerInfo{PublicKey: senderPublic}

	probe := &pingProbe{result: make(chan struct{})}
	probeInfo := peer.msgNewSequence(probe)

	call := &orderCall{result: make(chan *OrderResponse, 1)}
	callInfo := peer.msgNewSequence(call)

	msgCancelAllSequences()

	// the waiting liveness probe is unblocked with a negative result
	select {
	case <-probe.result:
		assert.True(t, probe.cancelled)
	default:
		t.Fatal("cancelled probe not unblocked")
	}

	// the waiting order call receives a nil response signalling cancellation
	select {
	case response := <-call.result:
		assert.Nil(t, response)
	default:
		t.Fatal("cancelled order call not unblocked")
	}

	// cancelled sequences are no longer valid
	raw := &MessageRaw{PacketRaw: PacketRaw{Sequence: probeInfo.sequence}, SenderPublicKey: senderPublic}
	_, valid, _ := msgValidateSequence(raw, false)
	assert.False(t, valid)

	raw = &MessageRaw{PacketRaw: PacketRaw{Sequence: callInfo.sequence}, SenderPublicKey: senderPublic}
	_, valid, _ = msgValidateSequence(raw, false)
	assert.False(t, valid)
}

func TestShutdownCancelsPending(t *testing.T) {
	initMessageSequence()

	_, targetPublic := testKeyPair(t)

	call := &orderCall{result: make(chan *OrderResponse, 1)}
	msgArbitrarySequence(targetPublic, call)

	Shutdown()
	Shutdown() // idempotent

	require.True(t, IsShutdown())

	select {
	case response := <-call.result:
		assert.Nil(t, response)
	default:
		t.Fatal("pending order call not cancelled on shutdown")
	}
}

func TestSequenceArbitrary(t *testing.T) {
	initMessageSequence()

	_, targetPublic := testKeyPair(t)

	info := msgArbitrarySequence(targetPublic, &bootstrapFindSelf{})
	require.NotNil(t, info)

	raw := &MessageRaw{PacketRaw: PacketRaw{Sequence: info.sequence}, SenderPublicKey: targetPublic}
	validated, valid, _ := msgValidateSequence(raw, false)
	require.True(t, valid)

	_, ok := validated.data.(*bootstrapFindSelf)
	assert.True(t, ok)
}
