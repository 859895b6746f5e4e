package csd

import "github.com/ehrlich-b/go-csd/internal/constants"

// Re-export constants for public API
const (
	DefaultBlockSize        = constants.DefaultBlockSize
	DefaultPageSize         = constants.DefaultPageSize
	DefaultQueueDepth       = constants.DefaultQueueDepth
	DefaultMaxQueueDepth    = constants.DefaultMaxQueueDepth
	DefaultMaxQueues        = constants.DefaultMaxQueues
	DefaultMaxBlocksPerIO   = constants.DefaultMaxBlocksPerIO
	DefaultMaxPagesPerQueue = constants.DefaultMaxPagesPerQueue
	DefaultNamespaceID      = constants.DefaultNamespaceID
	IOTimeout               = constants.IOTimeout
)
