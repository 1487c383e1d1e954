package domain

import (
	"context"
	"time"
)

// FeedMessage is an undecoded message from the change topic.
type FeedMessage struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}
