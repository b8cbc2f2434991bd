/*
File Name:  Message Sequence.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Records and verifies message sequences.

Advantages:
* This secures against replay and poisoning attacks.
* If used correctly it can also deduplicate messages (which occurs when 2 peers have multiple registered connections to each other but none are active and subsequent fallback to broadcast).
* The round-trip time can be measured and used to determine the connection quality.
* The data field links replies to the operation that created the request (DHT lookup, order call, ping probe).
*/

package core

import (
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bazaarnet/core/dht"
	"github.com/btcsuite/btcd/btcec"
)

// ReplyTimeout is the round-trip timeout for message sequences in seconds
var ReplyTimeout = 20

// sequences stores all sequence numbers that are valid at the moment.
// Key = Peer ID + Sequence Number
var sequences map[string]*sequenceExpiry
var sequencesMutex sync.Mutex

type sequenceExpiry struct {
	sequence uint32      // The sequence number assigned to the request.
	created  time.Time   // When the sequence was created.
	expires  time.Time   // When the sequence expires. This can be extended on the fly!
	counter  int         // How many replies used the sequence. Multiple Response messages may be returned for a single Announcement one.
	data     interface{} // Caller data attached to the request, available when the reply arrives.
}

func initMessageSequence() {
	sequences = make(map[string]*sequenceExpiry)

	// auto-delete worker to remove expired sequences
	go func() {
		for {
			select {
			case <-time.After(time.Duration(ReplyTimeout) * time.Second):
			case <-shutdownSignal:
				return
			}
			now := time.Now()

			sequencesMutex.Lock()
			for key, sequence := range sequences {
				if sequence.expires.Before(now) {
					delete(sequences, key)
				}
			}
			sequencesMutex.Unlock()
		}
	}()
}

// msgNewSequence returns a new sequence and registers it. data is attached to the sequence and available when the reply arrives.
// Use only for Announcement, Ping, and Order messages.
func (peer *PeerInfo) msgNewSequence(data interface{}) (info *sequenceExpiry) {
	info = &sequenceExpiry{
		sequence: atomic.AddUint32(&peer.messageSequence, 1),
		created:  time.Now(),
		expires:  time.Now().Add(time.Duration(ReplyTimeout) * time.Second),
		data:     data,
	}

	key := string(peer.PublicKey.SerializeCompressed()) + strconv.FormatUint(uint64(info.sequence), 10)

	// Add the sequence to the list. Sequences are unique enough that collisions are unlikely and negligible.
	sequencesMutex.Lock()
	sequences[key] = info
	sequencesMutex.Unlock()

	return info
}

// msgArbitrarySequence returns an arbitrary sequence to be used for uncontacted peers
func msgArbitrarySequence(publicKey *btcec.PublicKey, data interface{}) (info *sequenceExpiry) {
	info = &sequenceExpiry{
		sequence: rand.Uint32(),
		created:  time.Now(),
		expires:  time.Now().Add(time.Duration(ReplyTimeout) * time.Second),
		data:     data,
	}

	key := string(publicKey.SerializeCompressed()) + strconv.FormatUint(uint64(info.sequence), 10)

	sequencesMutex.Lock()
	sequences[key] = info
	sequencesMutex.Unlock()

	return info
}

// msgValidateSequence validates the sequence number of an incoming message. It does not modify the sequence.
func msgValidateSequence(raw *MessageRaw, extendValidity bool) (info *sequenceExpiry, valid bool, rtt time.Duration) {
	key := string(raw.SenderPublicKey.SerializeCompressed()) + strconv.FormatUint(uint64(raw.Sequence), 10)

	sequencesMutex.Lock()
	defer sequencesMutex.Unlock()

	// lookup the sequence
	info, ok := sequences[key]
	if !ok {
		return nil, false, rtt
	}

	// Initial reply: Store latest roundtrip time. That value might be distorted on Response vs Pong since Response messages might send data
	// up to 64 KB which obviously would be transmitted slower than an empty Pong reply. However, for the real world this is good enough.
	if info.counter == 0 {
		rtt = time.Since(info.created)
	}

	info.counter++

	// Extend validity in case there are follow-up responses by half of the round-trip time since they will be sent one-way.
	if extendValidity {
		info.expires = time.Now().Add(time.Duration(ReplyTimeout) * time.Second / 2)
	}

	return info, info.expires.After(time.Now()), rtt
}

// msgInvalidateSequence invalidates the sequence number.
func msgInvalidateSequence(raw *MessageRaw) {
	key := string(raw.SenderPublicKey.SerializeCompressed()) + strconv.FormatUint(uint64(raw.Sequence), 10)

	sequencesMutex.Lock()
	delete(sequences, key)
	sequencesMutex.Unlock()
}

// msgCancelAllSequences invalidates all pending sequences and unblocks their waiting callers
// with a cancellation result. Used on shutdown.
func msgCancelAllSequences() {
	sequencesMutex.Lock()
	defer sequencesMutex.Unlock()

	for key, sequence := range sequences {
		switch data := sequence.data.(type) {
		case *dht.InformationRequest:
			data.Terminate()

		case *orderCall:
			select {
			case data.result <- nil:
			default:
			}

		case *pingProbe:
			data.cancel()
		}

		delete(sequences, key)
	}
}
