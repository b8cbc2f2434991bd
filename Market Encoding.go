/*
File Name:  Market Encoding.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Marketplace record and message formats. All integers are little endian.

Listing record:
Offset  Size   Info
0       1      Version = 0
1       33     Seller public key, compressed form
34      8      Sequence number, increased by the seller with every published listing
42      8      Price in the smallest unit of the currency
50      8      Created timestamp, Unix epoch in seconds
58      8      Expiration timestamp, Unix epoch in seconds
66      1+?    Currency code, length prefixed
        1+?    Title, length prefixed
        2+?    Description, length prefixed
        2+?    Terms of sale, length prefixed
        1      Count of categories, each 1+? length prefixed
        1      Count of keywords, each 1+? length prefixed
        65     Signature by the seller over the blake3 hash of everything preceding

The listing hash is the blake3 hash of the entire encoded record including the signature.

A listing index record lists the hashes of a sellers listings under a category or keyword key.
It is stored in the DHT under derived keys so that buyers can discover listings of a seller.
*/

package core

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec"
	"github.com/google/uuid"
)

// Record types in store messages
const (
	RecordTypeListing      = 0 // A single listing record
	RecordTypeListingIndex = 1 // An index of listing hashes by one seller
)

// Listing limits
const (
	listingTitleMax       = 255
	listingDescriptionMax = 16384
	listingTermsMax       = 16384
	listingCategoriesMax  = 16
	listingKeywordsMax    = 32
)

// Listing is a decoded marketplace listing
type Listing struct {
	Version     uint8            // Record version
	SellerKey   *btcec.PublicKey // Seller public key
	Sequence    uint64           // Sequence number of the listing
	Price       uint64           // Price in the smallest unit of the currency
	Created     int64            // Created timestamp, Unix epoch in seconds
	Expiration  int64            // Expiration timestamp, Unix epoch in seconds
	Currency    string           // Currency code, for example "BTC"
	Title       string           // Title
	Description string           // Description
	Terms       string           // Terms of sale
	Categories  []string         // Categories
	Keywords    []string         // Keywords

	// Hash is the blake3 hash of the encoded record. Set after encoding or decoding.
	Hash []byte
}

var (
	// ErrListingInvalid is returned when a listing record fails structural validation
	ErrListingInvalid = errors.New("invalid listing record")

	// ErrListingSignature is returned when the seller signature does not verify
	ErrListingSignature = errors.New("invalid listing signature")

	// ErrListingExpired is returned when the listing expiration time has passed
	ErrListingExpired = errors.New("listing expired")
)

func appendString8(raw []byte, text string) ([]byte, error) {
	if len(text) > 255 || !utf8.ValidString(text) {
		return nil, ErrListingInvalid
	}
	raw = append(raw, byte(len(text)))
	return append(raw, []byte(text)...), nil
}

func appendString16(raw []byte, text string, max int) ([]byte, error) {
	if len(text) > max || !utf8.ValidString(text) {
		return nil, ErrListingInvalid
	}
	lengthB := make([]byte, 2)
	binary.LittleEndian.PutUint16(lengthB, uint16(len(text)))
	raw = append(raw, lengthB...)
	return append(raw, []byte(text)...), nil
}

func readString8(data []byte) (text string, read int, valid bool) {
	if len(data) < 1 {
		return "", 0, false
	}
	length := int(data[0])
	if len(data) < 1+length {
		return "", 0, false
	}
	if !utf8.Valid(data[1 : 1+length]) {
		return "", 0, false
	}
	return string(data[1 : 1+length]), 1 + length, true
}

func readString16(data []byte) (text string, read int, valid bool) {
	if len(data) < 2 {
		return "", 0, false
	}
	length := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < 2+length {
		return "", 0, false
	}
	if !utf8.Valid(data[2 : 2+length]) {
		return "", 0, false
	}
	return string(data[2 : 2+length]), 2 + length, true
}

// EncodeListing encodes and signs a listing using the provided seller private key.
// The Hash field is set on success.
func EncodeListing(listing *Listing, sellerPrivateKey *btcec.PrivateKey) (raw []byte, err error) {
	if listing.Title == "" || listing.Currency == "" {
		return nil, ErrListingInvalid
	}
	if len(listing.Title) > listingTitleMax || len(listing.Categories) > listingCategoriesMax || len(listing.Keywords) > listingKeywordsMax {
		return nil, ErrListingInvalid
	}

	listing.SellerKey = (*btcec.PublicKey)(&sellerPrivateKey.PublicKey)

	raw = append(raw, listing.Version)
	raw = append(raw, listing.SellerKey.SerializeCompressed()...)

	numbers := make([]byte, 32)
	binary.LittleEndian.PutUint64(numbers[0:8], listing.Sequence)
	binary.LittleEndian.PutUint64(numbers[8:16], listing.Price)
	binary.LittleEndian.PutUint64(numbers[16:24], uint64(listing.Created))
	binary.LittleEndian.PutUint64(numbers[24:32], uint64(listing.Expiration))
	raw = append(raw, numbers...)

	if raw, err = appendString8(raw, listing.Currency); err != nil {
		return nil, err
	}
	if raw, err = appendString8(raw, listing.Title); err != nil {
		return nil, err
	}
	if raw, err = appendString16(raw, listing.Description, listingDescriptionMax); err != nil {
		return nil, err
	}
	if raw, err = appendString16(raw, listing.Terms, listingTermsMax); err != nil {
		return nil, err
	}

	raw = append(raw, byte(len(listing.Categories)))
	for _, category := range listing.Categories {
		if raw, err = appendString8(raw, category); err != nil {
			return nil, err
		}
	}

	raw = append(raw, byte(len(listing.Keywords)))
	for _, keyword := range listing.Keywords {
		if raw, err = appendString8(raw, keyword); err != nil {
			return nil, err
		}
	}

	signature, err := btcec.SignCompact(btcec.S256(), sellerPrivateKey, hashData(raw), true)
	if err != nil {
		return nil, err
	}
	raw = append(raw, signature...)

	listing.Hash = hashData(raw)

	return raw, nil
}

// DecodeListing decodes a listing record and verifies the seller signature.
func DecodeListing(raw []byte) (listing *Listing, err error) {
	if len(raw) < 1+33+32+2+2+4+2+signatureSize {
		return nil, ErrListingInvalid
	}

	listing = &Listing{}
	listing.Version = raw[0]
	if listing.Version != 0 {
		return nil, ErrListingInvalid
	}

	body := raw[:len(raw)-signatureSize]
	signature := raw[len(raw)-signatureSize:]

	// The signature recovers the signing key; it must match the embedded seller key.
	signerKey, _, err := btcec.RecoverCompact(btcec.S256(), signature, hashData(body))
	if err != nil {
		return nil, ErrListingSignature
	}

	if listing.SellerKey, err = btcec.ParsePubKey(raw[1:34], btcec.S256()); err != nil {
		return nil, ErrListingInvalid
	}
	if !signerKey.IsEqual(listing.SellerKey) {
		return nil, ErrListingSignature
	}

	listing.Sequence = binary.LittleEndian.Uint64(raw[34:42])
	listing.Price = binary.LittleEndian.Uint64(raw[42:50])
	listing.Created = int64(binary.LittleEndian.Uint64(raw[50:58]))
	listing.Expiration = int64(binary.LittleEndian.Uint64(raw[58:66]))

	data := body[66:]
	var read int
	var valid bool

	if listing.Currency, read, valid = readString8(data); !valid {
		return nil, ErrListingInvalid
	}
	data = data[read:]

	if listing.Title, read, valid = readString8(data); !valid || listing.Title == "" {
		return nil, ErrListingInvalid
	}
	data = data[read:]

	if listing.Description, read, valid = readString16(data); !valid {
		return nil, ErrListingInvalid
	}
	data = data[read:]

	if listing.Terms, read, valid = readString16(data); !valid {
		return nil, ErrListingInvalid
	}
	data = data[read:]

	if len(data) < 1 {
		return nil, ErrListingInvalid
	}
	countCategories := int(data[0])
	data = data[1:]
	if countCategories > listingCategoriesMax {
		return nil, ErrListingInvalid
	}
	for n := 0; n < countCategories; n++ {
		category, read, valid := readString8(data)
		if !valid {
			return nil, ErrListingInvalid
		}
		data = data[read:]
		listing.Categories = append(listing.Categories, category)
	}

	if len(data) < 1 {
		return nil, ErrListingInvalid
	}
	countKeywords := int(data[0])
	data = data[1:]
	if countKeywords > listingKeywordsMax {
		return nil, ErrListingInvalid
	}
	for n := 0; n < countKeywords; n++ {
		keyword, read, valid := readString8(data)
		if !valid {
			return nil, ErrListingInvalid
		}
		data = data[read:]
		listing.Keywords = append(listing.Keywords, keyword)
	}

	if len(data) != 0 {
		return nil, ErrListingInvalid
	}

	listing.Hash = hashData(raw)

	return listing, nil
}

// IsExpired checks if the listing expiration time passed
func (listing *Listing) IsExpired(now time.Time) bool {
	return listing.Expiration > 0 && listing.Expiration <= now.Unix()
}

// ---- listing index records ----

// ListingIndex lists the hashes of a sellers listings. Stored in the DHT under derived keys.
type ListingIndex struct {
	SellerKey *btcec.PublicKey // Seller public key
	Sequence  uint64           // Sequence number, the highest one wins on conflict
	Hashes    [][]byte         // Listing hashes
}

// EncodeListingIndex encodes and signs a listing index record.
func EncodeListingIndex(index *ListingIndex, sellerPrivateKey *btcec.PrivateKey) (raw []byte, err error) {
	if len(index.Hashes) > 65535 {
		return nil, ErrListingInvalid
	}

	index.SellerKey = (*btcec.PublicKey)(&sellerPrivateKey.PublicKey)

	raw = append(raw, RecordTypeListingIndex)
	raw = append(raw, index.SellerKey.SerializeCompressed()...)

	numbers := make([]byte, 10)
	binary.LittleEndian.PutUint64(numbers[0:8], index.Sequence)
	binary.LittleEndian.PutUint16(numbers[8:10], uint16(len(index.Hashes)))
	raw = append(raw, numbers...)

	for _, hash := range index.Hashes {
		if len(hash) != hashSize {
			return nil, ErrListingInvalid
		}
		raw = append(raw, hash...)
	}

	signature, err := btcec.SignCompact(btcec.S256(), sellerPrivateKey, hashData(raw), true)
	if err != nil {
		return nil, err
	}
	raw = append(raw, signature...)

	return raw, nil
}

// DecodeListingIndex decodes a listing index record and verifies the seller signature.
func DecodeListingIndex(raw []byte) (index *ListingIndex, err error) {
	if len(raw) < 1+33+10+signatureSize || raw[0] != RecordTypeListingIndex {
		return nil, ErrListingInvalid
	}

	body := raw[:len(raw)-signatureSize]
	signature := raw[len(raw)-signatureSize:]

	signerKey, _, err := btcec.RecoverCompact(btcec.S256(), signature, hashData(body))
	if err != nil {
		return nil, ErrListingSignature
	}

	index = &ListingIndex{}
	if index.SellerKey, err = btcec.ParsePubKey(raw[1:34], btcec.S256()); err != nil {
		return nil, ErrListingInvalid
	}
	if !signerKey.IsEqual(index.SellerKey) {
		return nil, ErrListingSignature
	}

	index.Sequence = binary.LittleEndian.Uint64(raw[34:42])
	count := int(binary.LittleEndian.Uint16(raw[42:44]))

	if len(body) != 44+count*hashSize {
		return nil, ErrListingInvalid
	}

	for n := 0; n < count; n++ {
		hash := make([]byte, hashSize)
		copy(hash, body[44+n*hashSize:44+(n+1)*hashSize])
		index.Hashes = append(index.Hashes, hash)
	}

	return index, nil
}

// ---- derived DHT keys ----

// ListingKeyCategory derives the DHT key of a sellers listing index for a category.
func ListingKeyCategory(sellerKey *btcec.PublicKey, category string) []byte {
	return hashData([]byte("listing|" + strings.ToLower(category) + "|" + hex.EncodeToString(sellerKey.SerializeCompressed())))
}

// ListingKeyKeyword derives the DHT key of a sellers listing index for a keyword.
func ListingKeyKeyword(sellerKey *btcec.PublicKey, keyword string) []byte {
	return hashData([]byte("keyword|" + strings.ToLower(keyword) + "|" + hex.EncodeToString(sellerKey.SerializeCompressed())))
}

// ListingKeySeller derives the DHT key of a sellers full listing index.
func ListingKeySeller(sellerKey *btcec.PublicKey) []byte {
	return hashData([]byte("listings|" + hex.EncodeToString(sellerKey.SerializeCompressed())))
}

// ---- order messages ----

// Order event types sent via CommandOrderEvent
const (
	OrderEventFunded        = 1 // Escrow address was funded. Sent by the buyer.
	OrderEventShipped       = 2 // Goods were shipped. Sent by the seller.
	OrderEventRelease       = 3 // Buyer releases the escrow to the seller.
	OrderEventDispute       = 4 // Buyer or seller opens a dispute.
	OrderEventRulingRelease = 5 // Dispute ruling: release to the seller. Requires 2 co-signatures.
	OrderEventRulingRefund  = 6 // Dispute ruling: refund to the buyer. Requires 2 co-signatures.
)

// OrderRequest is the decoded order request sent by a buyer
type OrderRequest struct {
	OrderID      uuid.UUID        // Order ID chosen by the buyer
	ListingHash  []byte           // Hash of the listing being purchased
	Price        uint64           // Price offered, smallest unit of the listing currency
	Timestamp    int64            // Unix epoch in seconds
	ModeratorKey *btcec.PublicKey // Optional moderator for escrow. Nil = unmoderated.
}

// msgEncodeOrderRequest encodes an order request message
func msgEncodeOrderRequest(request *OrderRequest) (raw []byte) {
	raw = make([]byte, 16+32+8+8+1, 16+32+8+8+1+33)
	copy(raw[0:16], request.OrderID[:])
	copy(raw[16:48], request.ListingHash)
	binary.LittleEndian.PutUint64(raw[48:56], request.Price)
	binary.LittleEndian.PutUint64(raw[56:64], uint64(request.Timestamp))

	if request.ModeratorKey != nil {
		raw[64] = 1
		raw = append(raw, request.ModeratorKey.SerializeCompressed()...)
	}

	return raw
}

// msgDecodeOrderRequest decodes an order request message
func msgDecodeOrderRequest(payload []byte) (request *OrderRequest, err error) {
	if len(payload) < 16+32+8+8+1 {
		return nil, errors.New("order request: invalid minimum length")
	}

	request = &OrderRequest{}
	copy(request.OrderID[:], payload[0:16])
	request.ListingHash = make([]byte, hashSize)
	copy(request.ListingHash, payload[16:48])
	request.Price = binary.LittleEndian.Uint64(payload[48:56])
	request.Timestamp = int64(binary.LittleEndian.Uint64(payload[56:64]))

	if payload[64] == 1 {
		if len(payload) < 65+33 {
			return nil, errors.New("order request: moderator key missing")
		}
		if request.ModeratorKey, err = btcec.ParsePubKey(payload[65:65+33], btcec.S256()); err != nil {
			return nil, errors.New("order request: moderator key invalid")
		}
	}

	return request, nil
}

// OrderResponse is the decoded order response sent by the seller
type OrderResponse struct {
	OrderID       uuid.UUID // Order ID from the request
	Accepted      bool      // Whether the seller accepted the order
	EscrowAddress string    // Escrow address to fund, set if accepted
	Reason        string    // Reject reason, set if not accepted
}

// msgEncodeOrderResponse encodes an order response message
func msgEncodeOrderResponse(response *OrderResponse) (raw []byte, err error) {
	raw = make([]byte, 17)
	copy(raw[0:16], response.OrderID[:])
	if response.Accepted {
		raw[16] = 1
	}

	if raw, err = appendString8(raw, response.EscrowAddress); err != nil {
		return nil, err
	}
	if raw, err = appendString8(raw, response.Reason); err != nil {
		return nil, err
	}

	return raw, nil
}

// msgDecodeOrderResponse decodes an order response message
func msgDecodeOrderResponse(payload []byte) (response *OrderResponse, err error) {
	if len(payload) < 17+1+1 {
		return nil, errors.New("order response: invalid minimum length")
	}

	response = &OrderResponse{}
	copy(response.OrderID[:], payload[0:16])
	response.Accepted = payload[16] == 1

	data := payload[17:]
	var read int
	var valid bool

	if response.EscrowAddress, read, valid = readString8(data); !valid {
		return nil, errors.New("order response: invalid escrow address")
	}
	data = data[read:]

	if response.Reason, _, valid = readString8(data); !valid {
		return nil, errors.New("order response: invalid reason")
	}

	return response, nil
}

// OrderEvent is a decoded order lifecycle event
type OrderEvent struct {
	OrderID    uuid.UUID // Order ID
	Event      uint8     // See OrderEventX
	Timestamp  int64     // Unix epoch in seconds
	Signatures [][]byte  // Compact co-signatures over the event digest. Required for ruling events.
}

// orderEventDigestSize covers order ID, event type, and timestamp
const orderEventDigestSize = 16 + 1 + 8

// OrderEventDigest returns the hash that ruling co-signatures sign.
func OrderEventDigest(orderID uuid.UUID, event uint8, timestamp int64) []byte {
	raw := make([]byte, orderEventDigestSize)
	copy(raw[0:16], orderID[:])
	raw[16] = event
	binary.LittleEndian.PutUint64(raw[17:25], uint64(timestamp))
	return hashData(raw)
}

// msgEncodeOrderEvent encodes an order event message
func msgEncodeOrderEvent(event *OrderEvent) (raw []byte, err error) {
	if len(event.Signatures) > 3 {
		return nil, errors.New("order event: too many signatures")
	}

	raw = make([]byte, orderEventDigestSize+1)
	copy(raw[0:16], event.OrderID[:])
	raw[16] = event.Event
	binary.LittleEndian.PutUint64(raw[17:25], uint64(event.Timestamp))
	raw[25] = byte(len(event.Signatures))

	for _, signature := range event.Signatures {
		if len(signature) != signatureSize {
			return nil, errors.New("order event: invalid signature size")
		}
		raw = append(raw, signature...)
	}

	return raw, nil
}

// msgDecodeOrderEvent decodes an order event message
func msgDecodeOrderEvent(payload []byte) (event *OrderEvent, err error) {
	if len(payload) < orderEventDigestSize+1 {
		return nil, errors.New("order event: invalid minimum length")
	}

	event = &OrderEvent{}
	copy(event.OrderID[:], payload[0:16])
	event.Event = payload[16]
	event.Timestamp = int64(binary.LittleEndian.Uint64(payload[17:25]))

	count := int(payload[25])
	if count > 3 || len(payload) != orderEventDigestSize+1+count*signatureSize {
		return nil, errors.New("order event: invalid signature data")
	}

	for n := 0; n < count; n++ {
		signature := make([]byte, signatureSize)
		copy(signature, payload[26+n*signatureSize:26+(n+1)*signatureSize])
		event.Signatures = append(event.Signatures, signature)
	}

	return event, nil
}

// VerifyEventSignature recovers the signer of an event co-signature and checks it against the candidate key.
func VerifyEventSignature(digest []byte, signature []byte, candidate *btcec.PublicKey) bool {
	signerKey, _, err := btcec.RecoverCompact(btcec.S256(), signature, digest)
	if err != nil {
		return false
	}
	return signerKey.IsEqual(candidate)
}
