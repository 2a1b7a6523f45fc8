package model

import (
	"fmt"
	"time"
)

// TimeBucket is the hour-granularity partition an event lands in.
type TimeBucket struct {
	Hour time.Time
}

// BucketFor floors a timestamp to its UTC hour.
func BucketFor(t time.Time) TimeBucket {
	return TimeBucket{Hour: t.UTC().Truncate(time.Hour)}
}

// Path renders the year/month/day/hour hierarchy.
func (b TimeBucket) Path() string {
	h := b.Hour.UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%02d", h.Year(), int(h.Month()), h.Day(), h.Hour())
}

// Before orders buckets chronologically.
func (b TimeBucket) Before(o TimeBucket) bool {
	return b.Hour.Before(o.Hour)
}

func (b TimeBucket) String() string {
	return b.Path()
}
