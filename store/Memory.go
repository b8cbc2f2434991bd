/*
File Name:  Memory.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers

In-memory backend. Used when no store file is configured and in tests.
*/

package store

import (
	"sync"
)

type memoryRecord struct {
	data       []byte
	expiration int64 // Unix epoch in seconds, 0 = never
}

// MemoryStore is a volatile in-memory key-value store.
type MemoryStore struct {
	records map[string]memoryRecord
	mutex   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

func (store *MemoryStore) Store(key []byte, data []byte) (err error) {
	return store.StoreExpire(key, data, 0)
}

func (store *MemoryStore) StoreExpire(key []byte, data []byte, expiration int64) (err error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.records[string(key)] = memoryRecord{data: data, expiration: expiration}
	return nil
}

func (store *MemoryStore) Retrieve(key []byte) (data []byte, found bool) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	record, found := store.records[string(key)]
	if !found {
		return nil, false
	}
	return record.data, true
}

func (store *MemoryStore) Delete(key []byte) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	delete(store.records, string(key))
}

func (store *MemoryStore) ExpireKeys(now int64) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	for key, record := range store.records {
		if record.expiration > 0 && record.expiration <= now {
			delete(store.records, key)
		}
	}
}

func (store *MemoryStore) Count() (count uint64) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	return uint64(len(store.records))
}

func (store *MemoryStore) Iterate(f func(key []byte, data []byte) (keepGoing bool)) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	for key, record := range store.records {
		if !f([]byte(key), record.data) {
			return
		}
	}
}
