package database

import (
	"sync/atomic"
	"time"
)

// Snowflake generates unique, time-ordered 64-bit message IDs:
// 1 unused bit | 41 bits timestamp | 10 bits worker | 12 bits sequence.
// Timestamps are milliseconds since a custom epoch, so IDs sort in send
// order and message history can page on the ID alone.
type Snowflake struct {
	epoch    int64
	workerID int64
	state    int64 // upper 52 bits = last timestamp, lower 12 = sequence
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// NewSnowflake creates a generator. epoch is in Unix milliseconds;
// workerID must be unique per server instance (0-1023, clamped to 0
// when out of range).
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{epoch: epoch, workerID: workerID}
}

// NextID returns the next ID. Lock-free: state is advanced with a CAS
// loop so concurrent callers never block each other.
func (s *Snowflake) NextID() int64 {
	for {
		oldState := atomic.LoadInt64(&s.state)
		lastTime := oldState >> sequenceBits
		sequence := oldState & sequenceMask

		now := time.Now().UnixMilli()

		var newTime, newSequence int64
		switch {
		case now == lastTime:
			newSequence = (sequence + 1) & sequenceMask
			newTime = lastTime
			if newSequence == 0 {
				// Sequence exhausted for this millisecond; spin until the
				// clock advances. Only happens past 4096 IDs/ms.
				for time.Now().UnixMilli() <= lastTime {
				}
				newTime = time.Now().UnixMilli()
			}
		case now > lastTime:
			newTime = now
			newSequence = 0
		default:
			// Clock went backwards; keep issuing from the last known
			// millisecond so IDs stay monotonic.
			newTime = lastTime
			newSequence = (sequence + 1) & sequenceMask
			if newSequence == 0 {
				for time.Now().UnixMilli() < lastTime {
				}
				newTime = time.Now().UnixMilli()
			}
		}

		newState := (newTime << sequenceBits) | newSequence
		if atomic.CompareAndSwapInt64(&s.state, oldState, newState) {
			return ((newTime - s.epoch) << timestampShift) |
				(s.workerID << workerIDShift) |
				newSequence
		}
	}
}
