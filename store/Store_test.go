/*
File Name:  Store_test.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackends(t *testing.T, run func(t *testing.T, backend Store)) {
	t.Run("memory", func(t *testing.T) {
		run(t, NewMemoryStore())
	})

	t.Run("pogreb", func(t *testing.T) {
		backend, err := NewPogrebStore(filepath.Join(t.TempDir(), "data.db"))
		require.NoError(t, err)
		defer backend.Close()
		run(t, backend)
	})
}

func TestStoreRetrieve(t *testing.T) {
	testBackends(t, func(t *testing.T, backend Store) {
		key := []byte("key 1")
		require.NoError(t, backend.Store(key, []byte("value 1")))

		data, found := backend.Retrieve(key)
		require.True(t, found)
		assert.Equal(t, []byte("value 1"), data)

		_, found = backend.Retrieve([]byte("missing"))
		assert.False(t, found)

		assert.Equal(t, uint64(1), backend.Count())

		backend.Delete(key)
		_, found = backend.Retrieve(key)
		assert.False(t, found)
	})
}

func TestStoreOverwrite(t *testing.T) {
	testBackends(t, func(t *testing.T, backend Store) {
		key := []byte("key 1")
		require.NoError(t, backend.Store(key, []byte("old")))
		require.NoError(t, backend.Store(key, []byte("new")))

		data, found := backend.Retrieve(key)
		require.True(t, found)
		assert.Equal(t, []byte("new"), data)
		assert.Equal(t, uint64(1), backend.Count())
	})
}

func TestStoreExpiration(t *testing.T) {
	testBackends(t, func(t *testing.T, backend Store) {
		now := time.Now().Unix()

		require.NoError(t, backend.StoreExpire([]byte("expired"), []byte("1"), now-10))
		require.NoError(t, backend.StoreExpire([]byte("alive"), []byte("2"), now+3600))
		require.NoError(t, backend.Store([]byte("forever"), []byte("3")))

		backend.ExpireKeys(now)

		_, found := backend.Retrieve([]byte("expired"))
		assert.False(t, found)

		_, found = backend.Retrieve([]byte("alive"))
		assert.True(t, found)

		_, found = backend.Retrieve([]byte("forever"))
		assert.True(t, found)
	})
}

func TestStoreIterate(t *testing.T) {
	testBackends(t, func(t *testing.T, backend Store) {
		require.NoError(t, backend.Store([]byte("a"), []byte("1")))
		require.NoError(t, backend.Store([]byte("b"), []byte("2")))
		require.NoError(t, backend.Store([]byte("c"), []byte("3")))

		seen := make(map[string]string)
		backend.Iterate(func(key []byte, data []byte) bool {
			seen[string(key)] = string(data)
			return true
		})

		assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, seen)

		// early abort
		var visited int
		backend.Iterate(func(key []byte, data []byte) bool {
			visited++
			return false
		})
		assert.Equal(t, 1, visited)
	})
}

func TestPogrebPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")

	backend, err := NewPogrebStore(path)
	require.NoError(t, err)
	require.NoError(t, backend.Store([]byte("key"), []byte("survives restart")))
	require.NoError(t, backend.Close())

	backend, err = NewPogrebStore(path)
	require.NoError(t, err)
	defer backend.Close()

	data, found := backend.Retrieve([]byte("key"))
	require.True(t, found)
	assert.Equal(t, []byte("survives restart"), data)
}
