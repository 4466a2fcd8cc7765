// Package retry holds the stateless retry policy and the delay-queue ladder.
package retry

import (
	"strconv"
	"time"
)

// Bucket names a delay queue of the retry ladder.
type Bucket string

const (
	Bucket10s Bucket = "10s"
	Bucket1m  Bucket = "1m"
	Bucket10m Bucket = "10m"
)

// Buckets lists every ladder bucket from shortest to longest.
var Buckets = []Bucket{Bucket10s, Bucket1m, Bucket10m}

const (
	DefaultFastMax   = 3
	DefaultMediumMax = 6
)

// Ladder routes retry counts to delay buckets: 1..FastMax to the short bucket,
// FastMax+1..MediumMax to the medium one, the rest to the long one.
type Ladder struct {
	FastMax   int
	MediumMax int
	Short     time.Duration
	Medium    time.Duration
	Long      time.Duration
}

// DefaultLadder returns the 3/6 ladder with 10s, 1m and 10m delays.
func DefaultLadder() Ladder {
	return Ladder{
		FastMax:   DefaultFastMax,
		MediumMax: DefaultMediumMax,
		Short:     10 * time.Second,
		Medium:    time.Minute,
		Long:      10 * time.Minute,
	}
}

// Bucket returns the bucket for nextRetryCount. Counts below 1 count as 1.
func (l Ladder) Bucket(nextRetryCount int) Bucket {
	n := max(nextRetryCount, 1)
	switch {
	case n <= l.FastMax:
		return Bucket10s
	case n <= l.MediumMax:
		return Bucket1m
	default:
		return Bucket10m
	}
}

// Delay returns the message TTL of bucket b.
func (l Ladder) Delay(b Bucket) time.Duration {
	switch b {
	case Bucket10s:
		return l.Short
	case Bucket1m:
		return l.Medium
	default:
		return l.Long
	}
}

// CountTag folds a retry count into the low-cardinality tag "1", "2" or "3plus".
func CountTag(retryCount int) string {
	if retryCount >= 3 {
		return "3plus"
	}

	return strconv.Itoa(max(retryCount, 1))
}
