/*
File Name:  Pogreb.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

Persistent backend on top of the pogreb embedded key-value database. Each value is stored
with an 8-byte expiration prefix (Unix epoch in seconds, 0 = never) so that expirations
survive restarts.
*/

package store

import (
	"encoding/binary"

	"github.com/akrylysov/pogreb"
)

// PogrebStore is a persistent key-value store backed by a single database file.
type PogrebStore struct {
	db *pogreb.DB
}

// NewPogrebStore opens the database at the given path, creating it if required.
func NewPogrebStore(path string) (store *PogrebStore, err error) {
	db, err := pogreb.Open(path, nil)
	if err != nil {
		return nil, err
	}
	return &PogrebStore{db: db}, nil
}

// Close flushes and closes the database file.
func (store *PogrebStore) Close() (err error) {
	return store.db.Close()
}

func encodeRecord(data []byte, expiration int64) (raw []byte) {
	raw = make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(raw[0:8], uint64(expiration))
	copy(raw[8:], data)
	return raw
}

func decodeRecord(raw []byte) (data []byte, expiration int64, valid bool) {
	if len(raw) < 8 {
		return nil, 0, false
	}
	return raw[8:], int64(binary.LittleEndian.Uint64(raw[0:8])), true
}

func (store *PogrebStore) Store(key []byte, data []byte) (err error) {
	return store.StoreExpire(key, data, 0)
}

func (store *PogrebStore) StoreExpire(key []byte, data []byte, expiration int64) (err error) {
	return store.db.Put(key, encodeRecord(data, expiration))
}

func (store *PogrebStore) Retrieve(key []byte) (data []byte, found bool) {
	raw, err := store.db.Get(key)
	if err != nil || raw == nil {
		return nil, false
	}

	data, _, valid := decodeRecord(raw)
	if !valid {
		return nil, false
	}
	return data, true
}

func (store *PogrebStore) Delete(key []byte) {
	store.db.Delete(key)
}

func (store *PogrebStore) ExpireKeys(now int64) {
	var expired [][]byte

	it := store.db.Items()
	for {
		key, raw, err := it.Next()
		if err != nil {
			break
		}

		if _, expiration, valid := decodeRecord(raw); !valid || (expiration > 0 && expiration <= now) {
			keyA := make([]byte, len(key))
			copy(keyA, key)
			expired = append(expired, keyA)
		}
	}

	for _, key := range expired {
		store.db.Delete(key)
	}
}

func (store *PogrebStore) Count() (count uint64) {
	return uint64(store.db.Count())
}

func (store *PogrebStore) Iterate(f func(key []byte, data []byte) (keepGoing bool)) {
	it := store.db.Items()
	for {
		key, raw, err := it.Next()
		if err != nil {
			return
		}

		data, _, valid := decodeRecord(raw)
		if !valid {
			continue
		}

		if !f(key, data) {
			return
		}
	}
}
