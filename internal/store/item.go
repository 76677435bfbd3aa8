package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is the stored form of a document.
type Item map[string]types.AttributeValue

// Kind is the discriminator stored on every document.
type Kind string

// Meta is embedded by every document type.
type Meta struct {
	PK   string `dynamodbav:"pk"`
	ID   string `dynamodbav:"id"`
	Kind Kind   `dynamodbav:"kind"`
	ETag string `dynamodbav:"etag,omitempty"`
	TTL  int64  `dynamodbav:"ttl,omitempty"` // unix seconds; 0 means no expiry
}

// Metadata gives access to the embedded Meta.
func (m *Meta) Metadata() *Meta { return m }

// Key returns the document key.
func (m *Meta) Key() Key { return Key{Partition: m.PK, ID: m.ID} }

// Document is any struct embedding Meta.
type Document interface {
	Metadata() *Meta
}

// Marshal encodes doc. The kind must be set by the caller.
func Marshal(doc Document) (Item, error) {
	m := doc.Metadata()
	if m.PK == "" || m.ID == "" || m.Kind == "" {
		return nil, fmt.Errorf("marshal %T: key and kind are required", doc)
	}
	av, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Kind, err)
	}
	return av, nil
}

// Unmarshal decodes it into doc.
func Unmarshal(it Item, doc Document) error {
	if err := attributevalue.UnmarshalMap(it, doc); err != nil {
		return fmt.Errorf("unmarshal %s: %w", it.Kind(), err)
	}
	return nil
}

// Key returns the item's key attributes.
func (it Item) Key() Key {
	return Key{Partition: it.String(FieldPartition), ID: it.String(FieldID)}
}

// Kind returns the item's discriminator.
func (it Item) Kind() Kind { return Kind(it.String(FieldKind)) }

// ETag returns the item's concurrency token.
func (it Item) ETag() string { return it.String(FieldETag) }

// ExpiresAt returns the TTL in unix seconds, 0 when the item never expires.
func (it Item) ExpiresAt() int64 { return it.Int(FieldTTL) }

// Live reports whether the item has not expired at now.
func (it Item) Live(now time.Time) bool {
	ttl := it.ExpiresAt()
	return ttl == 0 || now.Unix() < ttl
}

// String returns a string attribute, or "" when absent.
func (it Item) String(f Field) string {
	if v, ok := it[string(f)].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// Int returns a numeric attribute, or 0 when absent or not an integer.
func (it Item) Int(f Field) int64 {
	if v, ok := it[string(f)].(*types.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err == nil {
			return n
		}
	}
	return 0
}

// Clone returns a shallow copy. Attribute values are treated as immutable.
func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}
