package main

import "time"

// ============================================================================
// Defaults
// ============================================================================

const (
	defaultStateWSAddr = "127.0.0.1:3002"
	defaultStateWSPath = "/state"

	// Per-client outbound queue of the state websocket.
	defaultWSSendBuf = 32

	// Queue between the daemon loop and the websocket broadcaster, and
	// between the servers and the daemon loop.
	defaultRequestBuf = 64

	// How long a server waits on the daemon loop for a snapshot.
	snapshotWait = time.Second
)
