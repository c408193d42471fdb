package config

import "time"

// Path config
const (
	LogPath    = "./logs/"
	ConfigPath = "./"
)

// Network config
const (
	DefaultRpcURL      = "https://api.mainnet-beta.solana.com"
	DefaultCluster     = "mainnet-beta"
	DefaultTimeout     = 20 * time.Second
	DefaultDialTimeout = 10 * time.Second

	// Buffered slot notifications per subscription before the reader blocks
	SubscriptionBufferSize = 1024
)

// Lifecycle config
const (
	// Consumers re-render the window once per tick
	TICK_INTERVAL = 1 * time.Second
	// A run stops by itself after this long, the user has to resume it
	IDLE_STOP_TIMEOUT = 5 * time.Minute
	// Bootstrap queries (getEpochInfo, getLeaderSchedule) retry forever with this delay
	RETRY_INTERVAL = 1 * time.Second
)

// Render config
const (
	// Number of newest slots logged on each tick by slot-stats
	RENDER_SLOT_ROWS = 8
	// Upper bound on listed slots, a stray far-away slot would otherwise span millions of rows
	MAX_SLOT_ROWS = 2048
)

// Export config
const (
	EXPORT_DATABASE       = "slotwatch"
	EXPORT_BATCH_SIZE     = 500
	EXPORT_CACHE_CAPACITY = 100000 // ~11 hours of slots at 0.4s
)
