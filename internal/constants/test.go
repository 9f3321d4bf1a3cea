package constants

import "time"

// Test Constants
//
// IMPORTANT: These constants are for testing only. DO NOT use in production code.

const (
	// TestServerStartupDelay is the delay to wait for server startup in integration tests.
	TestServerStartupDelay = 100 * time.Millisecond

	// TestDialTimeout bounds client dials against a test server.
	TestDialTimeout = 2 * time.Second

	// TestReadTimeout bounds single-frame reads in tests.
	TestReadTimeout = 2 * time.Second
)
