package inherents

import (
	"context"
	"time"
)

var TimestampIdentifier = NewIdentifier("timstap0")

// Timestamp provides the block timestamp in unix milliseconds.
type Timestamp struct {
	Millis uint64
}

// FromSystemTime returns a provider of the current wall clock time.
func FromSystemTime() Timestamp {
	return Timestamp{Millis: uint64(time.Now().UnixMilli())}
}

func (t Timestamp) ProvideInherentData(_ context.Context, data *Data) error {
	return data.Put(TimestampIdentifier, int64(t.Millis))
}

// TimestampOf reads the timestamp inherent from data.
func TimestampOf(data *Data) (uint64, bool, error) {
	var ms int64
	ok, err := data.Get(TimestampIdentifier, &ms)
	return uint64(ms), ok, err
}
