/*
File Name:  Orders.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package webapi

import (
	"encoding/hex"
	"net/http"

	"github.com/bazaarnet/core"
	"github.com/bazaarnet/core/escrow"
	"github.com/btcsuite/btcd/btcec"
	"github.com/google/uuid"
)

// apiOrder is an order as exposed by the API
type apiOrder struct {
	ID            string `json:"id"`            // Order ID
	Status        string `json:"status"`        // Order status, see escrow.StatusText
	ListingHash   string `json:"listinghash"`   // Hash of the purchased listing, hex encoded
	Price         uint64 `json:"price"`         // Price in the smallest unit of the listing currency
	Buyer         string `json:"buyer"`         // Buyer public key, hex encoded compressed form
	Seller        string `json:"seller"`        // Seller public key, hex encoded compressed form
	Moderator     string `json:"moderator"`     // Moderator public key, hex encoded. Empty = unmoderated.
	EscrowAddress string `json:"escrowaddress"` // Escrow address to fund
	Created       int64  `json:"created"`       // Created timestamp, Unix epoch in seconds
	Updated       int64  `json:"updated"`       // Last status change, Unix epoch in seconds
}

func order2API(order *escrow.Order) apiOrder {
	result := apiOrder{
		ID:            uuid.UUID(order.ID).String(),
		Status:        escrow.StatusText(order.Status),
		ListingHash:   hex.EncodeToString(order.ListingHash),
		Price:         order.Price,
		Buyer:         hex.EncodeToString(order.BuyerKey.SerializeCompressed()),
		Seller:        hex.EncodeToString(order.SellerKey.SerializeCompressed()),
		EscrowAddress: order.EscrowAddress,
		Created:       order.Created,
		Updated:       order.Updated,
	}

	if order.ModeratorKey != nil {
		result.Moderator = hex.EncodeToString(order.ModeratorKey.SerializeCompressed())
	}

	return result
}

type apiOrderPlaceRequest struct {
	ListingHash string `json:"listinghash"` // Hash of the listing to purchase, hex encoded
	Moderator   string `json:"moderator"`   // Optional moderator public key, hex encoded compressed form
}

type apiOrderPlaceResponse struct {
	ID            string `json:"id"`            // Order ID
	Accepted      bool   `json:"accepted"`      // Whether the seller accepted the order
	EscrowAddress string `json:"escrowaddress"` // Escrow address to fund, set if accepted
	Reason        string `json:"reason"`        // Reject reason, set if not accepted
}

/*
apiOrderPlace places an order for a listing. It blocks until the seller responds or the request times out.

Request:    POST /order/place with JSON structure apiOrderPlaceRequest
Response:   200 with JSON structure apiOrderPlaceResponse
            400 if the input was invalid, 502 if the seller was unreachable or did not respond
*/
func (api *WebapiInstance) apiOrderPlace(w http.ResponseWriter, r *http.Request) {
	var input apiOrderPlaceRequest
	if err := DecodeJSON(w, r, &input); err != nil {
		return
	}

	hash, err := hex.DecodeString(input.ListingHash)
	if err != nil || len(hash) != 32 {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	listing, err := core.GetListing(hash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var moderatorKey *btcec.PublicKey
	if input.Moderator != "" {
		moderatorB, err := hex.DecodeString(input.Moderator)
		if err != nil {
			http.Error(w, "", http.StatusBadRequest)
			return
		}
		if moderatorKey, err = btcec.ParsePubKey(moderatorB, btcec.S256()); err != nil {
			http.Error(w, "", http.StatusBadRequest)
			return
		}
	}

	response, err := core.PlaceOrder(listing, moderatorKey)
	if response == nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	EncodeJSON(w, r, apiOrderPlaceResponse{
		ID:            uuid.UUID(response.OrderID).String(),
		Accepted:      response.Accepted,
		EscrowAddress: response.EscrowAddress,
		Reason:        response.Reason,
	})
}

// orderIDFromRequest parses the order ID from the request. Sends a 400 error on failure.
func orderIDFromRequest(w http.ResponseWriter, r *http.Request) (orderID uuid.UUID, valid bool) {
	orderID, err := uuid.Parse(r.FormValue("id"))
	if err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return orderID, false
	}
	return orderID, true
}

// orderAction executes the order transition and reports the updated order
func (api *WebapiInstance) orderAction(w http.ResponseWriter, r *http.Request, action func(orderID uuid.UUID) error) {
	orderID, valid := orderIDFromRequest(w, r)
	if !valid {
		return
	}

	if err := action(orderID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if order, found := core.OrderMachine().Get(orderID); found {
		EncodeJSON(w, r, order2API(order))
	}
}

/*
apiOrderFund reports the escrow address of the order as funded. Buyer side.

Request:    GET /order/fund?id=[uuid]
Response:   200 with JSON structure apiOrder
            400 if the transition was invalid
*/
func (api *WebapiInstance) apiOrderFund(w http.ResponseWriter, r *http.Request) {
	api.orderAction(w, r, core.FundOrder)
}

/*
apiOrderShip reports the goods of the order as shipped. Seller side.

Request:    GET /order/ship?id=[uuid]
Response:   200 with JSON structure apiOrder
*/
func (api *WebapiInstance) apiOrderShip(w http.ResponseWriter, r *http.Request) {
	api.orderAction(w, r, core.ShipOrder)
}

/*
apiOrderRelease releases the escrow of the order to the seller. Buyer side.

Request:    GET /order/release?id=[uuid]
Response:   200 with JSON structure apiOrder
*/
func (api *WebapiInstance) apiOrderRelease(w http.ResponseWriter, r *http.Request) {
	api.orderAction(w, r, core.ReleaseOrder)
}

/*
apiOrderDispute opens a dispute on the order. Buyer or seller side, moderated orders only.

Request:    GET /order/dispute?id=[uuid]
Response:   200 with JSON structure apiOrder
*/
func (api *WebapiInstance) apiOrderDispute(w http.ResponseWriter, r *http.Request) {
	api.orderAction(w, r, core.DisputeOrder)
}

type apiOrderRulingRequest struct {
	ID         string   `json:"id"`         // Order ID
	Refund     bool     `json:"refund"`     // True = refund the buyer, false = release to the seller
	Timestamp  int64    `json:"timestamp"`  // Unix epoch in seconds, part of the signed digest
	Signatures []string `json:"signatures"` // Co-signatures over the event digest, hex encoded
}

type apiOrderRulingSignResponse struct {
	Signature string `json:"signature"` // Co-signature of this node over the event digest, hex encoded
}

/*
apiOrderRulingSign co-signs a ruling with the key of this node. Used by the moderator and the winning party.

Request:    POST /order/ruling/sign with JSON structure apiOrderRulingRequest (signatures ignored)
Response:   200 with JSON structure apiOrderRulingSignResponse
*/
func (api *WebapiInstance) apiOrderRulingSign(w http.ResponseWriter, r *http.Request) {
	var input apiOrderRulingRequest
	if err := DecodeJSON(w, r, &input); err != nil {
		return
	}

	orderID, err := uuid.Parse(input.ID)
	if err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	eventType := uint8(core.OrderEventRulingRelease)
	if input.Refund {
		eventType = core.OrderEventRulingRefund
	}

	privateKey, _ := core.ExportPrivateKey()

	signature, err := core.SignOrderEvent(orderID, eventType, input.Timestamp, privateKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	EncodeJSON(w, r, apiOrderRulingSignResponse{Signature: hex.EncodeToString(signature)})
}

/*
apiOrderRuling resolves a disputed order with the collected co-signatures

Request:    POST /order/ruling with JSON structure apiOrderRulingRequest
Response:   200 with JSON structure apiOrder
            400 if the ruling was invalid (bad signatures, wrong status)
*/
func (api *WebapiInstance) apiOrderRuling(w http.ResponseWriter, r *http.Request) {
	var input apiOrderRulingRequest
	if err := DecodeJSON(w, r, &input); err != nil {
		return
	}

	orderID, err := uuid.Parse(input.ID)
	if err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	var signatures [][]byte
	for _, signatureA := range input.Signatures {
		signature, err := hex.DecodeString(signatureA)
		if err != nil {
			http.Error(w, "", http.StatusBadRequest)
			return
		}
		signatures = append(signatures, signature)
	}

	if err := core.SubmitRuling(orderID, input.Refund, input.Timestamp, signatures); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if order, found := core.OrderMachine().Get(orderID); found {
		EncodeJSON(w, r, order2API(order))
	}
}

type apiResponseOrders struct {
	Orders []apiOrder `json:"orders"`
}

/*
apiOrderList returns all orders of this node

Request:    GET /order/list
Response:   200 with JSON structure apiResponseOrders
*/
func (api *WebapiInstance) apiOrderList(w http.ResponseWriter, r *http.Request) {
	response := apiResponseOrders{Orders: []apiOrder{}}

	for _, order := range core.OrderMachine().List() {
		response.Orders = append(response.Orders, order2API(order))
	}

	EncodeJSON(w, r, response)
}

/*
apiOrderView returns a single order

Request:    GET /order/view?id=[uuid]
Response:   200 with JSON structure apiOrder
            404 if the order was not found
*/
func (api *WebapiInstance) apiOrderView(w http.ResponseWriter, r *http.Request) {
	orderID, valid := orderIDFromRequest(w, r)
	if !valid {
		return
	}

	order, found := core.OrderMachine().Get(orderID)
	if !found {
		http.Error(w, "", http.StatusNotFound)
		return
	}

	EncodeJSON(w, r, order2API(order))
}
