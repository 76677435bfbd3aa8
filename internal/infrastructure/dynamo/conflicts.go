package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/pkg/id"
	"github.com/go-social-nosql/internal/store"
)

// Conflicts are kept in the documents table under one partition, oldest first.
const (
	conflictPartition = "conflicts#pending"
	kindConflict      = "conflict"

	attrKeyPartition = "key_pk"
	attrKeyID        = "key_id"
	attrCurrent      = "current"
	attrConflicting  = "conflicting"
)

// ReportConflict records a write that lost against the stored version. It is
// called by the replication layer when two regions wrote the same key.
func (s *Store) ReportConflict(ctx context.Context, current, conflicting store.Item) (string, error) {
	if err := opctx.Intercept(ctx); err != nil {
		return "", err
	}
	cid := id.NewAt(opctx.Now(ctx))
	k := current.Key()
	item := docKey(store.Key{Partition: conflictPartition, ID: cid})
	item[string(store.FieldKind)] = &types.AttributeValueMemberS{Value: kindConflict}
	item[attrKeyPartition] = &types.AttributeValueMemberS{Value: k.Partition}
	item[attrKeyID] = &types.AttributeValueMemberS{Value: k.ID}
	item[attrCurrent] = &types.AttributeValueMemberM{Value: current}
	item[attrConflicting] = &types.AttributeValueMemberM{Value: conflicting}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return "", fmt.Errorf("report conflict on %s: %w", k, err)
	}
	return cid, nil
}

func (s *Store) ReadConflicts(ctx context.Context, limit int) ([]store.Conflict, error) {
	items, err := s.Query(ctx, store.Query{Partition: conflictPartition, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]store.Conflict, 0, len(items))
	for _, it := range items {
		c := store.Conflict{
			ID:  it.Key().ID,
			Key: store.Key{Partition: it.String(attrKeyPartition), ID: it.String(attrKeyID)},
		}
		if m, ok := it[attrCurrent].(*types.AttributeValueMemberM); ok {
			c.Current = m.Value
		}
		if m, ok := it[attrConflicting].(*types.AttributeValueMemberM); ok {
			c.Conflicting = m.Value
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) DeleteConflict(ctx context.Context, conflictID string) error {
	if err := opctx.Intercept(ctx); err != nil {
		return err
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       docKey(store.Key{Partition: conflictPartition, ID: conflictID}),
	})
	if err != nil {
		return fmt.Errorf("delete conflict %s: %w", conflictID, err)
	}
	return nil
}
