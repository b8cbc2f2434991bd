/*
File Name:  Status.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package webapi

import (
	"encoding/hex"
	"net/http"

	"github.com/bazaarnet/core"
)

type apiResponseStatus struct {
	Status        int    `json:"status"`        // Status code: 0 = Ok.
	Version       string `json:"version"`       // Core library version
	Uptime        uint64 `json:"uptime"`        // Uptime in seconds
	PeerID        string `json:"peerid"`        // Peer ID, hex encoded compressed public key
	NodeID        string `json:"nodeid"`        // Node ID in the DHT, hex encoded
	CountPeerList int    `json:"countpeerlist"` // Count of peers in the peer list
	StoreRecords  uint64 `json:"storerecords"`  // Count of records in the local store
	IsConnected   bool   `json:"isconnected"`   // Whether the node is connected to at least one peer
}

/*
apiStatus returns the current connectivity status of the node

Request:    GET /status
Result:     200 with JSON structure apiResponseStatus
*/
func (api *WebapiInstance) apiStatus(w http.ResponseWriter, r *http.Request) {
	_, publicKey := core.ExportPrivateKey()

	status := apiResponseStatus{
		Status:        0,
		Version:       core.Version,
		Uptime:        uint64(core.Uptime().Seconds()),
		PeerID:        hex.EncodeToString(publicKey.SerializeCompressed()),
		NodeID:        hex.EncodeToString(core.SelfNodeID()),
		CountPeerList: core.PeerlistCount(),
		StoreRecords:  core.StoreRecordCount(),
	}
	status.IsConnected = status.CountPeerList > 0

	EncodeJSON(w, r, status)
}

type apiPeerInfo struct {
	PeerID          string `json:"peerid"`          // Peer ID, hex encoded compressed public key
	NodeID          string `json:"nodeid"`          // Node ID in the DHT, hex encoded
	Address         string `json:"address"`         // IP:Port of the latest active connection
	RoundTripTime   int    `json:"roundtriptime"`   // Round-trip time in milliseconds. -1 if unknown.
	PacketsSent     uint64 `json:"packetssent"`     // Count of packets sent
	PacketsReceived uint64 `json:"packetsreceived"` // Count of packets received
}

type apiResponsePeers struct {
	Peers []apiPeerInfo `json:"peers"`
}

/*
apiStatusPeers returns the current peer list

Request:    GET /status/peers
Result:     200 with JSON structure apiResponsePeers
*/
func (api *WebapiInstance) apiStatusPeers(w http.ResponseWriter, r *http.Request) {
	response := apiResponsePeers{Peers: []apiPeerInfo{}}

	for _, peer := range core.PeerlistGet() {
		info := apiPeerInfo{
			PeerID:          hex.EncodeToString(peer.PublicKey.SerializeCompressed()),
			NodeID:          hex.EncodeToString(peer.NodeID),
			PacketsSent:     peer.StatsPacketSent,
			PacketsReceived: peer.StatsPacketReceived,
			RoundTripTime:   -1,
		}

		if rtt := peer.GetRTT(); rtt > 0 {
			info.RoundTripTime = int(rtt.Milliseconds())
		}

		if connections := peer.GetConnections(true); len(connections) > 0 {
			info.Address = connections[0].Address.String()
		}

		response.Peers = append(response.Peers, info)
	}

	EncodeJSON(w, r, response)
}
