/*
File Name:  Market.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Marketplace listings. A published listing is stored in the DHT under its own hash. Discovery
works via signed listing index records stored under keys derived from the seller key and a
category or keyword. Buyers resolve an index first, then fetch the individual listings.
*/

package core

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec"
)

var (
	// ErrListingNotFound is returned when the listing is neither stored locally nor found in the DHT
	ErrListingNotFound = errors.New("listing not found")
)

// ownListingsMutex serializes publishing so that index sequence numbers increase strictly
var ownListingsMutex sync.Mutex

// PublishListing signs and publishes the listing to the network. Created, Expiration, Sequence,
// and Hash are set by this function. The listing and its index records are stored locally and
// announced to the closest nodes of their keys.
func PublishListing(listing *Listing) (err error) {
	ownListingsMutex.Lock()
	defer ownListingsMutex.Unlock()

	index := ownListingIndex()

	listing.Created = time.Now().Unix()
	listing.Expiration = time.Now().Add(time.Duration(listingExpirationDays()) * 24 * time.Hour).Unix()
	listing.Sequence = index.Sequence + 1

	raw, err := EncodeListing(listing, peerPrivateKey)
	if err != nil {
		return err
	}

	if err = StoreDataDHT(raw, listing.Expiration); err != nil {
		return err
	}
	registerOwnRecord(listing.Hash)

	// update the index records for discovery
	index.Sequence = listing.Sequence
	index.Hashes = append(index.Hashes, listing.Hash)

	keys := [][]byte{ListingKeySeller(peerPublicKey)}
	for _, category := range listing.Categories {
		keys = append(keys, ListingKeyCategory(peerPublicKey, category))
	}
	for _, keyword := range listing.Keywords {
		keys = append(keys, ListingKeyKeyword(peerPublicKey, keyword))
	}

	return publishIndex(index, keys, listing.Expiration)
}

// ownListingIndex returns the current index of own listings from the local store
func ownListingIndex() (index *ListingIndex) {
	if raw, found := dhtStore.Retrieve(ListingKeySeller(peerPublicKey)); found {
		if index, err := DecodeListingIndex(raw); err == nil && index.SellerKey.IsEqual(peerPublicKey) {
			return index
		}
	}

	return &ListingIndex{SellerKey: peerPublicKey}
}

// publishIndex signs the index and stores it under the given derived keys, locally and in the DHT
func publishIndex(index *ListingIndex, keys [][]byte, expiration int64) (err error) {
	raw, err := EncodeListingIndex(index, peerPrivateKey)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err = dhtStore.StoreExpire(key, raw, expiration); err != nil {
			return err
		}
		registerOwnRecord(key)

		if err = nodesDHT.Store(key, raw, bucketSize); err != nil {
			Filters.LogError("publishIndex", "storing index record '%x': %v\n", key, err.Error())
		}
	}

	return nil
}

// GetListing returns the listing, looked up locally first, then in the DHT.
func GetListing(hash []byte) (listing *Listing, err error) {
	raw, found := GetData(hash)
	if !found {
		return nil, ErrListingNotFound
	}

	if listing, err = DecodeListing(raw); err != nil {
		return nil, err
	}
	if listing.IsExpired(time.Now()) {
		return nil, ErrListingExpired
	}

	return listing, nil
}

// resolveIndex fetches the listing index stored under the key and returns the valid listings it names.
// Individual listings that are missing or expired are skipped.
func resolveIndex(key []byte) (listings []*Listing, err error) {
	raw, found := GetData(key)
	if !found {
		return nil, nil
	}

	index, err := DecodeListingIndex(raw)
	if err != nil {
		return nil, err
	}

	for _, hash := range index.Hashes {
		listing, err := GetListing(hash)
		if err != nil {
			continue
		}

		// Index records are per seller; reject foreign listings smuggled into an index.
		if !listing.SellerKey.IsEqual(index.SellerKey) {
			continue
		}

		listings = append(listings, listing)
	}

	return listings, nil
}

// FindListingsSeller returns all valid listings published by the seller.
func FindListingsSeller(sellerKey *btcec.PublicKey) (listings []*Listing, err error) {
	return resolveIndex(ListingKeySeller(sellerKey))
}

// FindListingsCategory returns the sellers listings under the category.
func FindListingsCategory(sellerKey *btcec.PublicKey, category string) (listings []*Listing, err error) {
	return resolveIndex(ListingKeyCategory(sellerKey, category))
}

// FindListingsKeyword returns the sellers listings under the keyword.
func FindListingsKeyword(sellerKey *btcec.PublicKey, keyword string) (listings []*Listing, err error) {
	return resolveIndex(ListingKeyKeyword(sellerKey, keyword))
}
