/*
File Name:  Bazaarnet.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package core

import (
	"sync"
	"time"
)

// nodeStartTime is the time the node started, used to report the uptime
var nodeStartTime time.Time

// shutdownSignal gets closed when the node shuts down. Background workers select on it.
var shutdownSignal = make(chan struct{})
var shutdownOnce sync.Once

// Init initializes the core. The config must be loaded before. If an error is returned, the application shall exit.
func Init() (err error) {
	nodeStartTime = time.Now()

	initFilters()

	if err = initPeerID(); err != nil {
		return err
	}

	initKademlia()
	initMessageSequence()

	if config.AutoUpdateSeedList {
		configUpdateSeedList()
	}
	initSeedList()

	initMulticastIPv6()
	initBroadcastIPv4()

	if err = initStore(); err != nil {
		return err
	}
	if err = initEscrow(); err != nil {
		return err
	}

	initNetwork()

	return nil
}

// Connect starts bootstrapping and background workers to connect to the network
func Connect() {
	go bootstrapKademlia()
	go bootstrap()
	go autoMulticastBroadcast()
	go autoPingAll()
	go networkChangeMonitor()
	go autoBucketRefresh()
	go autoRepublishRecords()
	go autoExpireRecords()
}

// Shutdown stops the background workers, cancels all pending requests, and closes the
// network listeners. Callers blocked on a pending request receive a cancellation result.
// It is safe to call Shutdown multiple times.
func Shutdown() {
	shutdownOnce.Do(func() {
		close(shutdownSignal)
		msgCancelAllSequences()
		terminateNetworks()
	})
}

// IsShutdown reports whether the node shutdown was initiated
func IsShutdown() bool {
	select {
	case <-shutdownSignal:
		return true
	default:
		return false
	}
}

// Uptime returns the time since the node started
func Uptime() time.Duration {
	return time.Since(nodeStartTime)
}

// StoreRecordCount returns the count of records in the local store
func StoreRecordCount() uint64 {
	if dhtStore == nil {
		return 0
	}
	return dhtStore.Count()
}

// APIListen returns the configured API listen addresses and key
func APIListen() (listen []string, key string) {
	return config.APIListen, config.APIKey
}
