package inspect

import "time"

const (
	DefaultPeekPageSize      = 256
	DefaultMaxPeekPages      = 20
	DefaultReceiveBatchSize  = 100
	DefaultReceiveWait       = 5 * time.Second
	DefaultMaxReceiveBatches = 100
	DefaultMaxEmptyBatches   = 3
	DefaultEmptyBatchDelay   = time.Second
	DefaultAbandonDelay      = 500 * time.Millisecond
	DefaultFullBatchDelay    = 100 * time.Millisecond

	// peek pages above this are truncated by every backend
	maxPeekPageSize = 256
)

// Settings bounds every receive loop. Zero sizes and counts fall back to
// the defaults; zero delays are kept.
type Settings struct {
	PeekPageSize         int
	MaxPeekPages         int
	ReceiveBatchSize     int
	ReceiveWait          time.Duration
	MaxReceiveBatches    int
	EmptyBatch           Backoff
	Abandon              Backoff
	FullBatch            Backoff
	SkipPeekVerification bool
}

func DefaultSettings() Settings {
	return Settings{
		PeekPageSize:      DefaultPeekPageSize,
		MaxPeekPages:      DefaultMaxPeekPages,
		ReceiveBatchSize:  DefaultReceiveBatchSize,
		ReceiveWait:       DefaultReceiveWait,
		MaxReceiveBatches: DefaultMaxReceiveBatches,
		EmptyBatch:        Backoff{Delay: DefaultEmptyBatchDelay, MaxAttempts: DefaultMaxEmptyBatches},
		Abandon:           Backoff{Delay: DefaultAbandonDelay},
		FullBatch:         Backoff{Delay: DefaultFullBatchDelay},
	}
}

func (s Settings) normalized() Settings {
	if s.PeekPageSize <= 0 {
		s.PeekPageSize = DefaultPeekPageSize
	}
	if s.PeekPageSize > maxPeekPageSize {
		s.PeekPageSize = maxPeekPageSize
	}
	if s.MaxPeekPages <= 0 {
		s.MaxPeekPages = DefaultMaxPeekPages
	}
	if s.ReceiveBatchSize <= 0 {
		s.ReceiveBatchSize = DefaultReceiveBatchSize
	}
	if s.ReceiveWait <= 0 {
		s.ReceiveWait = DefaultReceiveWait
	}
	if s.MaxReceiveBatches <= 0 {
		s.MaxReceiveBatches = DefaultMaxReceiveBatches
	}
	if s.EmptyBatch.MaxAttempts <= 0 {
		s.EmptyBatch.MaxAttempts = DefaultMaxEmptyBatches
	}
	if s.EmptyBatch.Delay < 0 {
		s.EmptyBatch.Delay = 0
	}
	if s.Abandon.Delay < 0 {
		s.Abandon.Delay = 0
	}
	if s.FullBatch.Delay < 0 {
		s.FullBatch.Delay = 0
	}
	return s
}
