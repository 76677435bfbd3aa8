package domain

import (
	"time"

	"github.com/go-social-nosql/internal/store"
)

const KindStreamCheckpoint store.Kind = "stream_checkpoint"

// StreamCheckpoint records how far a change-stream range has been processed.
// Closed marks a range that was read to its end.
type StreamCheckpoint struct {
	store.Meta
	RangeID   string    `dynamodbav:"range_id"`
	Cursor    string    `dynamodbav:"cursor"`
	Closed    bool      `dynamodbav:"closed,omitempty"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
}
