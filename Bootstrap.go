/*
File Name:  Bootstrap.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Strategy for sending our IPv6 Multicast and IPv4 Broadcast messages:
* During bootstrap: Immediately at the beginning, then every 10 seconds until there is at least 1 peer.
* Every 10 minutes during regular operation.
* Each time a network adapter / IP change is detected.

*/

package core

import (
	"encoding/hex"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec"
)

// rootPeer is a single root peer info
type rootPeer struct {
	peer      *PeerInfo        // loaded PeerInfo
	publicKey *btcec.PublicKey // Public key
	addresses []*net.UDPAddr   // IP:Port addresses
}

var rootPeers map[[btcec.PubKeyBytesLenCompressed]byte]*rootPeer

// initSeedList loads the seed list from the config
// Note: This should be called before any network listening function so that incoming root peers are properly recognized.
func initSeedList() {
	rootPeers = make(map[[btcec.PubKeyBytesLenCompressed]byte]*rootPeer)
	recentContacts = make(map[[btcec.PubKeyBytesLenCompressed]byte]*recentContactInfo)

loopSeedList:
	for _, seed := range config.SeedList {
		peer := &rootPeer{}

		// parse the Public Key
		publicKeyB, err := hex.DecodeString(seed.PublicKey)
		if err != nil {
			Filters.LogError("initSeedList", "public key '%s': %v\n", seed.PublicKey, err.Error())
			continue
		}

		if peer.publicKey, err = btcec.ParsePubKey(publicKeyB, btcec.S256()); err != nil {
			Filters.LogError("initSeedList", "public key '%s': %v\n", seed.PublicKey, err.Error())
			continue
		}

		if peer.publicKey.IsEqual(peerPublicKey) { // skip if self
			continue
		}

		// parse all IP addresses
		for _, addressA := range seed.Address {
			address, err := parseAddress(addressA)
			if err != nil {
				Filters.LogError("initSeedList", "public key '%s' address '%s': %v\n", seed.PublicKey, addressA, err.Error())
				continue loopSeedList
			}

			peer.addresses = append(peer.addresses, address)
		}

		rootPeers[publicKey2Compressed(peer.publicKey)] = peer
	}
}

// parseAddress parses an input peer address in the form "IP:Port".
func parseAddress(Address string) (remote *net.UDPAddr, err error) {
	host, portA, err := net.SplitHostPort(Address)
	if err != nil {
		return nil, err
	}

	portI, err := strconv.Atoi(portA)
	if err != nil {
		return nil, err
	} else if portI <= 0 || portI > 65535 {
		return nil, errors.New("invalid port number")
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errors.New("invalid input IP")
	}

	return &net.UDPAddr{IP: ip, Port: portI}, err
}

// contact tries to contact the root peer on all networks
func (peer *rootPeer) contact() {
	// If already in peer list, no need to contact.
	if PeerlistLookup(peer.publicKey) != nil {
		return
	}

	for _, address := range peer.addresses {
		contactArbitraryPeer(peer.publicKey, address)
	}
}

// bootstrap connects to the initial set of peers.
func bootstrap() {
	go resetRecentContacts()

	if len(rootPeers) == 0 {
		Filters.LogError("bootstrap", "warning: Empty list of root peers. Connectivity relies on local peer discovery and incoming connections.\n")
		return
	}

	contactRootPeers := func() {
		for _, peer := range rootPeers {
			if peer.peer == nil {
				peer.contact()
			}
		}
	}

	countConnectedRootPeers := func() (connectedCount, total int) {
		for _, peer := range rootPeers {
			if peer.peer != nil {
				connectedCount++
			} else if peer.peer = PeerlistLookup(peer.publicKey); peer.peer != nil {
				connectedCount++
			}
		}
		return connectedCount, len(rootPeers)
	}

	// initial contact to all root peers
	contactRootPeers()

	// Phase 1: First 10 minutes. Try every 7 seconds to connect to all root peers until at least 2 peers connected.
	for n := 0; n < 10*60/7; n++ {
		select {
		case <-time.After(time.Second * 7):
		case <-shutdownSignal:
			return
		}

		if connected, total := countConnectedRootPeers(); connected == total || connected >= 2 {
			return
		}

		contactRootPeers()
	}

	// Phase 2: After that (if not 2 peers), try every 5 minutes to connect to remaining root peers for a maximum of 1 hour.
	for n := 0; n < 1*60/5; n++ {
		select {
		case <-time.After(time.Minute * 5):
		case <-shutdownSignal:
			return
		}

		contactRootPeers()

		if connected, total := countConnectedRootPeers(); connected == total || connected >= 2 {
			return
		}
	}

	Filters.LogError("bootstrap", "unable to connect to at least 2 root peers, aborting\n")
}

func autoMulticastBroadcast() {
	sendMulticastBroadcast := func() {
		networksMutex.RLock()
		defer networksMutex.RUnlock()

		for _, network := range networks6 {
			if network.multicastSocket == nil {
				continue
			}
			if err := network.MulticastIPv6Send(); err != nil {
				Filters.LogError("autoMulticastBroadcast", "multicast from network address '%s': %v\n", network.address.IP.String(), err.Error())
			}
		}

		for _, network := range networks4 {
			if network.broadcastSocket == nil {
				continue
			}
			if err := network.BroadcastIPv4Send(); err != nil {
				Filters.LogError("autoMulticastBroadcast", "broadcast from network address '%s': %v\n", network.address.IP.String(), err.Error())
			}
		}
	}

	// Send out multicast/broadcast immediately.
	sendMulticastBroadcast()

	// Phase 1: Resend every 10 seconds until at least 1 peer in the peer list.
	for {
		select {
		case <-time.After(time.Second * 10):
		case <-shutdownSignal:
			return
		}

		if PeerlistCount() >= 1 {
			break
		}

		sendMulticastBroadcast()
	}

	// Phase 2: Every 10 minutes.
	for {
		select {
		case <-time.After(time.Minute * 10):
		case <-shutdownSignal:
			return
		}
		sendMulticastBroadcast()
	}
}

// contactArbitraryPeer contacts a new arbitrary peer for the first time.
func contactArbitraryPeer(publicKey *btcec.PublicKey, address *net.UDPAddr) (contacted bool) {
	packets, err := msgEncodeAnnouncement(true, true, nil, nil, nil)
	if err != nil || len(packets) == 0 {
		return false
	}

	// The sequence links the expected Response message back to this bootstrap attempt.
	sequence := msgArbitrarySequence(publicKey, &bootstrapFindSelf{})

	raw := &PacketRaw{Command: CommandAnnouncement, Payload: packets[0], Sequence: sequence.sequence}

	sendAllNetworks(publicKey, raw, address)

	return true
}

// bootstrapFindSelf is a dummy structure assigned to sequences when sending the Announcement message.
// When receiving the Response message, it will know that it was a legitimate bootstrap request.
type bootstrapFindSelf struct {
}

// bootstrapAcceptContacts is the maximum count of contacts considered. It limits the impact of fake peers.
const bootstrapAcceptContacts = 5

// cmdResponseBootstrapFindSelf processes FIND_SELF responses
func (peer *PeerInfo) cmdResponseBootstrapFindSelf(msg *MessageResponse, closest []PeerRecord) {
	if len(closest) > bootstrapAcceptContacts {
		closest = closest[:bootstrapAcceptContacts]
	}

	for _, closePeer := range closest {
		if isReturnedPeerBadQuality(&closePeer) {
			continue
		}

		// If the peer is already in the peer list, no need to contact it again.
		if PeerlistLookup(closePeer.PublicKey) != nil {
			continue
		}

		// Check if the reported peer was recently contacted (in connection with the origin peer) for bootstrapping. This makes sure inactive peers are not contacted over and over again.
		recent, blacklisted := isReturnedPeerRecent(&closePeer, peer.NodeID)
		if blacklisted {
			continue
		}

		address := &net.UDPAddr{IP: closePeer.IP, Port: int(closePeer.Port)}

		// Check if the specific IP:Port was already contacted in the last 5-10 minutes.
		if recent.IsAddressContacted(address) {
			continue
		}

		// Initiate contact. Once a response comes back, the peer will be actually added to the peer list.
		contactArbitraryPeer(closePeer.PublicKey, address)
	}
}

// isReturnedPeerBadQuality checks if the returned peer record is bad quality and should be discarded
func isReturnedPeerBadQuality(record *PeerRecord) bool {
	// An IP and port must be provided.
	if record.IP == nil || record.IP.IsUnspecified() || record.Port == 0 {
		return true
	}

	// Must not be self. There is no point that a remote peer would return self.
	if record.PublicKey.IsEqual(peerPublicKey) {
		return true
	}

	return false
}

// ---- bootstrap cache of contacted peers to prevent flooding ----

// bootstrapRecentContact is the time in seconds when a peer will not be contacted again for bootstrapping.
// This prevents unnecessary flooding and prevents some attacks. Especially in small networks it will be the case that the same peer is returned multiple times.
const bootstrapRecentContact = 5 * 60 // 5-10 minutes

type recentContactInfo struct {
	added     time.Time           // When the peer was added to the list
	addresses []*net.UDPAddr      // List of contacted addresses in IP:Port format
	origin    map[string]struct{} // List of node IDs who reported this contact
	sync.RWMutex
}

var (
	recentContacts      map[[btcec.PubKeyBytesLenCompressed]byte]*recentContactInfo
	recentContactsMutex sync.RWMutex
)

func resetRecentContacts() {
	for {
		select {
		case <-time.After(bootstrapRecentContact * time.Second):
		case <-shutdownSignal:
			return
		}
		threshold := time.Now().Add(-bootstrapRecentContact * time.Second)

		recentContactsMutex.Lock()

		for key, recent := range recentContacts {
			if recent.added.Before(threshold) {
				delete(recentContacts, key)
			}
		}

		recentContactsMutex.Unlock()
	}
}

// isReturnedPeerRecent checks if the peer is blacklisted related to the origin peer due to recent contact. It will create a "recent contact" if none exists.
func isReturnedPeerRecent(record *PeerRecord, originNodeID []byte) (recent *recentContactInfo, blacklisted bool) {
	key := publicKey2Compressed(record.PublicKey)

	recentContactsMutex.Lock()
	defer recentContactsMutex.Unlock()

	if recent = recentContacts[key]; recent == nil {
		recent = &recentContactInfo{added: time.Now(), origin: make(map[string]struct{})}
		recent.origin[string(originNodeID)] = struct{}{}

		recentContacts[key] = recent
	} else {
		if _, blacklisted = recent.origin[string(originNodeID)]; !blacklisted {
			recent.origin[string(originNodeID)] = struct{}{}
		}
	}

	return recent, blacklisted
}

// IsAddressContacted checks if the address was contacted recently
func (recent *recentContactInfo) IsAddressContacted(address *net.UDPAddr) bool {
	recent.Lock()
	defer recent.Unlock()

	for _, addressE := range recent.addresses {
		if addressE.IP.Equal(address.IP) && addressE.Port == address.Port {
			return true
		}
	}

	recent.addresses = append(recent.addresses, address)

	return false
}
