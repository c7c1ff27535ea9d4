// Package ratelimit provides client-side pacing for bridge API calls.
package ratelimit

// Bridge API pacing
//
// The bridge answers bursts with 429 and an x-internxt-ratelimit-reset hint.
// Pacing JSON calls on our side keeps a large multipart upload (one frame
// call plus one entry call per file, many files in a batch) from tripping it,
// and a cooldown set from the hint holds every caller, not just the one that
// received the 429.
const (
	// BridgeRatePerSec is the steady-state rate for bridge JSON endpoints
	BridgeRatePerSec = 10.0

	// BridgeBurstCapacity allows a batch to start without pacing
	BridgeBurstCapacity = 40.0
)
