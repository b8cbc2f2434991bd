/*
File Name:  Network IPv6 Multicast.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

IPv6 Multicast implementation to support discovery of peers within the same network (Site-local).
Loopback is enabled, which means that Multicast packets sent will be looped back and received by any local listeners. This allows to connect local processes with each other.

Using the separate Multicast port, it allows sending unsolicited announcements without knowing the target's public key. Instead, a hard-coded key is used.
*/

package core

import (
	"encoding/hex"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"golang.org/x/net/ipv6"
)

// Multicast group is site-local. Group ID is 98.
const ipv6MulticastGroup = "ff05::98"
const ipv6MulticastPort = 12898

// special Public-Private Key pair for local discovery
var ipv6MulticastPrivateKey *btcec.PrivateKey
var ipv6MulticastPublicKey *btcec.PublicKey

const ipv6MulticastPrivateKeyH = "3e7cb09c1a5f60b58a29d46f4bc85a3fcd23a1b6cf1e7dea4fa06f9c2be48d51"

func initMulticastIPv6() {
	if configPK, err := hex.DecodeString(ipv6MulticastPrivateKeyH); err == nil {
		ipv6MulticastPrivateKey, ipv6MulticastPublicKey = btcec.PrivKeyFromBytes(btcec.S256(), configPK)
	}
}

// MulticastIPv6Join joins the Multicast group
func (network *Network) MulticastIPv6Join() (err error) {
	if ipv6MulticastPrivateKey == nil || ipv6MulticastPublicKey == nil {
		return
	}

	network.multicastIP = net.ParseIP(ipv6MulticastGroup)

	// listen on a special socket
	network.multicastSocket, err = net.ListenPacket("udp6", net.JoinHostPort(network.address.IP.String(), strconv.Itoa(ipv6MulticastPort)))
	if err != nil {
		return err
	}

	network.multicastConn = ipv6.NewPacketConn(network.multicastSocket)

	joinMulticastGroup := func(iface *net.Interface) (err error) {
		if err := network.multicastConn.JoinGroup(iface, &net.UDPAddr{IP: network.multicastIP}); err != nil {
			return err
		}

		// receive messages from self or other processes running on the same computer
		if loop, err := network.multicastConn.MulticastLoopback(); err == nil {
			if !loop {
				if err := network.multicastConn.SetMulticastLoopback(true); err != nil {
					Filters.LogError("MulticastIPv6Join", "setting multicast loopback status: %v\n", err)
				}
			}
		}

		return nil
	}

	// specific interface or join all?
	if network.iface != nil {
		if err = joinMulticastGroup(network.iface); err != nil {
			return err
		}
	} else {
		interfaceList, err := net.Interfaces()
		if err != nil {
			return err
		}

		for _, ifaceSingle := range interfaceList {
			ifaceR := ifaceSingle
			joinMulticastGroup(&ifaceR)
		}
	}

	go network.MulticastIPv6Listen()

	return nil
}

// MulticastIPv6Listen listens for incoming multicast packets
// Fork from network.Listen! Keep any changes synced.
func (network *Network) MulticastIPv6Listen() {
	for !network.isTerminated {
		buffer := make([]byte, maxPacketSize)
		length, sender, err := network.multicastSocket.ReadFrom(buffer)

		if err != nil {
			if network.isTerminated {
				return
			}

			Filters.LogError("MulticastIPv6Listen", "receiving UDP message: %v\n", err)
			time.Sleep(time.Millisecond * 50) // In case of endless errors, prevent ddos of CPU.
			continue
		}

		// skip incoming packets that were looped back
		if IsAddressSelf(sender.(*net.UDPAddr)) {
			continue
		}

		// For good network practice (and reducing amount of parallel connections), do not allow link-local to talk to non-link-local addresses.
		if sender.(*net.UDPAddr).IP.IsLinkLocalUnicast() != network.address.IP.IsLinkLocalUnicast() {
			continue
		}

		if length < packetLengthMin {
			// Discard packets that do not meet the minimum length.
			continue
		}

		// send the packet to a channel which is processed by multiple workers.
		rawPacketsIncoming <- networkWire{network: network, sender: sender.(*net.UDPAddr), raw: buffer[:length], receiverPublicKey: ipv6MulticastPublicKey, unicast: false}
	}
}

// MulticastIPv6Send sends out a single multicast message to discover peers at the same site
func (network *Network) MulticastIPv6Send() (err error) {
	packets, err := msgEncodeAnnouncement(true, true, nil, nil, nil)
	if err != nil || len(packets) == 0 {
		return err
	}

	raw, err := PacketEncrypt(peerPrivateKey, ipv6MulticastPublicKey, &PacketRaw{Protocol: ProtocolVersion, Command: CommandLocalDiscovery, Payload: packets[0]})
	if err != nil {
		return err
	}

	// send out the wire
	return network.send(network.multicastIP, ipv6MulticastPort, raw)
}
