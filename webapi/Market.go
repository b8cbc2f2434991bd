/*
File Name:  Market.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package webapi

import (
	"encoding/hex"
	"net/http"

	"github.com/bazaarnet/core"
	"github.com/btcsuite/btcd/btcec"
)

// apiListing is a marketplace listing as exposed by the API
type apiListing struct {
	Hash        string   `json:"hash"`        // Listing hash, hex encoded. Read only.
	Seller      string   `json:"seller"`      // Seller public key, hex encoded compressed form. Read only.
	Sequence    uint64   `json:"sequence"`    // Sequence number of the listing. Read only.
	Title       string   `json:"title"`       // Title
	Description string   `json:"description"` // Description
	Terms       string   `json:"terms"`       // Terms of sale
	Price       uint64   `json:"price"`       // Price in the smallest unit of the currency
	Currency    string   `json:"currency"`    // Currency code, for example "BTC"
	Categories  []string `json:"categories"`  // Categories
	Keywords    []string `json:"keywords"`    // Keywords
	Created     int64    `json:"created"`     // Created timestamp, Unix epoch in seconds. Read only.
	Expiration  int64    `json:"expiration"`  // Expiration timestamp, Unix epoch in seconds. Read only.
}

func listing2API(listing *core.Listing) apiListing {
	return apiListing{
		Hash:        hex.EncodeToString(listing.Hash),
		Seller:      hex.EncodeToString(listing.SellerKey.SerializeCompressed()),
		Sequence:    listing.Sequence,
		Title:       listing.Title,
		Description: listing.Description,
		Terms:       listing.Terms,
		Price:       listing.Price,
		Currency:    listing.Currency,
		Categories:  listing.Categories,
		Keywords:    listing.Keywords,
		Created:     listing.Created,
		Expiration:  listing.Expiration,
	}
}

/*
apiListingPublish publishes a new listing of this node to the network

Request:    POST /listing/publish with JSON structure apiListing (read only fields ignored)
Response:   200 with JSON structure apiListing, all fields set
            400 if the input was invalid
*/
func (api *WebapiInstance) apiListingPublish(w http.ResponseWriter, r *http.Request) {
	var input apiListing
	if err := DecodeJSON(w, r, &input); err != nil {
		return
	}

	listing := &core.Listing{
		Title:       input.Title,
		Description: input.Description,
		Terms:       input.Terms,
		Price:       input.Price,
		Currency:    input.Currency,
		Categories:  input.Categories,
		Keywords:    input.Keywords,
	}

	if err := core.PublishListing(listing); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	EncodeJSON(w, r, listing2API(listing))
}

/*
apiListingGet returns a single listing identified by its hash

Request:    GET /listing/get?hash=[hex]
Response:   200 with JSON structure apiListing
            400 if the hash was invalid, 404 if the listing was not found
*/
func (api *WebapiInstance) apiListingGet(w http.ResponseWriter, r *http.Request) {
	hash, err := hex.DecodeString(r.FormValue("hash"))
	if err != nil || len(hash) != 32 {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	listing, err := core.GetListing(hash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	EncodeJSON(w, r, listing2API(listing))
}

type apiResponseListings struct {
	Listings []apiListing `json:"listings"`
}

/*
apiListingSearch returns the listings of a seller, optionally restricted to a category or keyword

Request:    GET /listing/search?seller=[hex]&category=[text]&keyword=[text]
Response:   200 with JSON structure apiResponseListings
            400 if the seller key was invalid
*/
func (api *WebapiInstance) apiListingSearch(w http.ResponseWriter, r *http.Request) {
	sellerB, err := hex.DecodeString(r.FormValue("seller"))
	if err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	sellerKey, err := btcec.ParsePubKey(sellerB, btcec.S256())
	if err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	var listings []*core.Listing

	if category := r.FormValue("category"); category != "" {
		listings, err = core.FindListingsCategory(sellerKey, category)
	} else if keyword := r.FormValue("keyword"); keyword != "" {
		listings, err = core.FindListingsKeyword(sellerKey, keyword)
	} else {
		listings, err = core.FindListingsSeller(sellerKey)
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	response := apiResponseListings{Listings: []apiListing{}}
	for _, listing := range listings {
		response.Listings = append(response.Listings, listing2API(listing))
	}

	EncodeJSON(w, r, response)
}
