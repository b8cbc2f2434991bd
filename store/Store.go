/*
File Name:  Store.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

The store is the local key-value backend of the node. It keeps the records the node stores on
behalf of the network as well as its own published records. Records may carry an expiration
time after which ExpireKeys removes them.
*/

package store

// Store is the interface implemented by the key-value backends.
type Store interface {
	// Store stores the key-value pair without expiration.
	Store(key []byte, data []byte) (err error)

	// StoreExpire stores the key-value pair and deletes it after the expiration time (Unix epoch in seconds).
	StoreExpire(key []byte, data []byte, expiration int64) (err error)

	// Retrieve returns the data stored under the key, if any.
	Retrieve(key []byte) (data []byte, found bool)

	// Delete removes the key.
	Delete(key []byte)

	// ExpireKeys deletes all keys whose expiration time passed. Called in regular intervals.
	ExpireKeys(now int64)

	// Count returns the number of stored records.
	Count() (count uint64)

	// Iterate calls the function for every stored record until it returns false.
	Iterate(f func(key []byte, data []byte) (keepGoing bool))
}
