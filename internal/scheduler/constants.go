package scheduler

import "time"

const (
	DefaultPollInterval = 30 * time.Second
	DefaultBatchSize    = 50
	DefaultWorkers      = 4

	DefaultMaxRetries = 3
	MinMaxRetries     = 1
	MaxMaxRetries     = 10

	DefaultHorizon       = 365 * 24 * time.Hour
	MaxDescriptionLength = 500

	DefaultClaimTTL         = 5 * time.Minute
	DefaultRecoverySpec     = "@every 1m"
	DefaultPruneSpec        = "0 0 3 * * *"
	DefaultAttemptRetention = 30 * 24 * time.Hour

	// commitTimeout bounds the write-back after an attempt, which runs even
	// when the caller's context is already cancelled
	commitTimeout = 10 * time.Second
)
