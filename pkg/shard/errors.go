package shard

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrShardOffline = errors.New("shard offline")
	ErrShardTimeout = errors.New("shard timeout")
	ErrShardQuery   = errors.New("shard query failed")
	ErrUnknownShard = errors.New("unknown shard")
)

// OfflineError is returned without contacting the store when a shard is
// known to be offline.
type OfflineError struct {
	Shard    Category
	LastSeen time.Time
}

func (e *OfflineError) Error() string {
	seen := "never"
	if !e.LastSeen.IsZero() {
		seen = e.LastSeen.Format(time.RFC3339)
	}
	return fmt.Sprintf("shard %s is offline (last seen: %s)", e.Shard, seen)
}

func (e *OfflineError) Is(target error) bool { return target == ErrShardOffline }

// TimeoutError means the call exceeded its deadline.
type TimeoutError struct {
	Shard   Category
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("shard %s timed out after %s", e.Shard, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrShardTimeout }

// QueryError wraps a failure reported by the store.
type QueryError struct {
	Shard Category
	Op    string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("shard %s %s: %v", e.Shard, e.Op, e.Err)
}

func (e *QueryError) Is(target error) bool { return target == ErrShardQuery }

func (e *QueryError) Unwrap() error { return e.Err }
