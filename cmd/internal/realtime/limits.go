package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 32 << 10 // 32 KiB

	// Max message text length (runes).
	maxMessageChars = 2000

	// Messages per history page and per fresh-client replay.
	historyPageSize = 10
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// The first frame must be a hello within this time.
	helloTimeout = 10 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second

	sendQueueSize = 256
)
