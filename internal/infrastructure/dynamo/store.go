// Package dynamo implements the document store, change feed and conflict feed
// on a single DynamoDB table keyed by (pk, id) with a TTL attribute and a
// stream of new images.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/pkg/id"
	"github.com/go-social-nosql/internal/store"
)

// API is the subset of the DynamoDB client used by the store.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store provides the document store over one table.
type Store struct {
	client    API
	tableName string
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.ConflictFeed = (*Store)(nil)
)

func NewStore(client API, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

func capacity(cc *types.ConsumedCapacity) float64 {
	if cc == nil || cc.CapacityUnits == nil {
		return 0
	}
	return *cc.CapacityUnits
}

func (s *Store) Get(ctx context.Context, key store.Key) (store.Item, error) {
	if err := opctx.Intercept(ctx); err != nil {
		return nil, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:              aws.String(s.tableName),
		Key:                    docKey(key),
		ConsistentRead:         aws.Bool(true),
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	opctx.AddCost(ctx, capacity(out.ConsumedCapacity))
	// TTL deletion is lazy; expired items may still be returned.
	it := store.Item(out.Item)
	if out.Item == nil || !it.Live(opctx.Now(ctx)) {
		return nil, fmt.Errorf("get %s: %w", key, store.ErrNotFound)
	}
	return it, nil
}

// Query pages through the partition until Offset+Limit live matches are
// collected. Before is applied as an upper key bound and Prefix is checked
// on each item, since a key condition cannot combine both.
func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Item, error) {
	if err := opctx.Intercept(ctx); err != nil {
		return nil, err
	}
	b := newExprBuilder()
	pk, _ := b.value(q.Partition)
	cond := b.name(store.FieldPartition) + " = " + pk
	switch {
	case q.Before != "" && q.Prefix == "":
		hi, _ := b.value(q.Before)
		cond += fmt.Sprintf(" AND %s < %s", b.name(store.FieldID), hi)
	case q.Before != "":
		lo, _ := b.value(q.Prefix)
		hi, _ := b.value(q.Before)
		cond += fmt.Sprintf(" AND %s BETWEEN %s AND %s", b.name(store.FieldID), lo, hi)
	case q.Prefix != "":
		p, _ := b.value(q.Prefix)
		cond += fmt.Sprintf(" AND begins_with(%s, %s)", b.name(store.FieldID), p)
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeNames:  b.Names(),
		ExpressionAttributeValues: b.Values(),
		ScanIndexForward:          aws.Bool(!q.Descending),
		ConsistentRead:            aws.Bool(true),
		ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
	}
	want := 0
	if q.Limit > 0 {
		want = q.Offset + q.Limit
		in.Limit = aws.Int32(int32(want))
	}

	now := opctx.Now(ctx)
	var matched []store.Item
	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Partition, err)
		}
		opctx.AddCost(ctx, capacity(out.ConsumedCapacity))
		for _, raw := range out.Items {
			it := store.Item(raw)
			docID := it.Key().ID
			if !strings.HasPrefix(docID, q.Prefix) || (q.Before != "" && docID >= q.Before) || !it.Live(now) {
				continue
			}
			matched = append(matched, it)
		}
		if len(out.LastEvaluatedKey) == 0 || (want > 0 && len(matched) >= want) {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

// Transact submits ops as one TransactWriteItems call. Concurrency tokens and
// Require conditions become condition expressions; the old image returned on
// a failed check tells NotFound, Conflict and PreconditionFailed apart.
func (s *Store) Transact(ctx context.Context, partition string, ops []store.Op) (store.TxResult, error) {
	res := store.TxResult{Items: make([]store.Item, len(ops))}
	if err := opctx.Intercept(ctx); err != nil {
		return res, err
	}
	now := opctx.Now(ctx)

	items := make([]types.TransactWriteItem, 0, len(ops))
	written := make([]store.Item, len(ops))
	for i, op := range ops {
		if op.Key.Partition != partition {
			return res, &store.TxError{Index: i, Kind: op.Kind, Key: op.Key, Reason: store.ReasonUnknown, Cause: store.ErrCrossPartition}
		}
		twi, it, err := s.writeItem(op, now.Unix())
		if err != nil {
			return res, &store.TxError{Index: i, Kind: op.Kind, Key: op.Key, Reason: store.ReasonUnknown, Cause: err}
		}
		items = append(items, twi)
		written[i] = it
	}

	out, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems:          items,
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	})
	if out != nil {
		for i := range out.ConsumedCapacity {
			res.Cost += capacity(&out.ConsumedCapacity[i])
		}
	}
	if err != nil {
		return res, cancellation(err, ops, now.Unix())
	}

	for i, op := range ops {
		if !op.Return {
			continue
		}
		if written[i] != nil {
			res.Items[i] = written[i]
			continue
		}
		// Patches only know their result after the fact.
		it, err := s.Get(ctx, op.Key)
		if err == nil {
			res.Items[i] = it
		}
	}
	return res, nil
}

// writeItem translates one op. The returned item is the full document when
// the op writes one.
func (s *Store) writeItem(op store.Op, now int64) (types.TransactWriteItem, store.Item, error) {
	b := newExprBuilder()
	etag := id.New()
	table := aws.String(s.tableName)
	onFail := types.ReturnValuesOnConditionCheckFailureAllOld

	var cond string
	if op.Kind == store.OpCreate {
		cond = b.absentCondition(now)
	} else {
		cond = b.liveCondition(now)
		if op.ETag != "" {
			v, _ := b.value(op.ETag)
			cond += " AND " + b.name(store.FieldETag) + " = " + v
		}
	}

	switch op.Kind {
	case store.OpCreate, store.OpReplace:
		if op.Item.Key() != op.Key {
			return types.TransactWriteItem{}, nil, fmt.Errorf("item key %s does not match op key", op.Item.Key())
		}
		it := op.Item.Clone()
		it[string(store.FieldETag)] = &types.AttributeValueMemberS{Value: etag}
		return types.TransactWriteItem{Put: &types.Put{
			TableName:                           table,
			Item:                                it,
			ConditionExpression:                 aws.String(cond),
			ExpressionAttributeNames:            b.Names(),
			ExpressionAttributeValues:           b.Values(),
			ReturnValuesOnConditionCheckFailure: onFail,
		}}, it, nil
	case store.OpPatch:
		if op.Require != nil {
			v, err := b.value(op.Require.Equals)
			if err != nil {
				return types.TransactWriteItem{}, nil, err
			}
			cond += " AND " + b.name(op.Require.Field) + " = " + v
		}
		update, err := buildUpdateExpr(b, op.Patches, etag)
		if err != nil {
			return types.TransactWriteItem{}, nil, err
		}
		return types.TransactWriteItem{Update: &types.Update{
			TableName:                           table,
			Key:                                 docKey(op.Key),
			UpdateExpression:                    aws.String(update),
			ConditionExpression:                 aws.String(cond),
			ExpressionAttributeNames:            b.Names(),
			ExpressionAttributeValues:           b.Values(),
			ReturnValuesOnConditionCheckFailure: onFail,
		}}, nil, nil
	case store.OpDelete:
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName:                           table,
			Key:                                 docKey(op.Key),
			ConditionExpression:                 aws.String(cond),
			ExpressionAttributeNames:            b.Names(),
			ExpressionAttributeValues:           b.Values(),
			ReturnValuesOnConditionCheckFailure: onFail,
		}}, nil, nil
	}
	return types.TransactWriteItem{}, nil, fmt.Errorf("unsupported op kind %d", op.Kind)
}

// cancellation maps a cancelled transaction to the first op that caused it.
func cancellation(err error, ops []store.Op, now int64) error {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return fmt.Errorf("transact: %w", err)
	}
	for i, r := range tce.CancellationReasons {
		code := aws.ToString(r.Code)
		if code == "" || code == "None" || i >= len(ops) {
			continue
		}
		op := ops[i]
		te := &store.TxError{Index: i, Kind: op.Kind, Key: op.Key, Reason: store.ReasonUnknown}
		// Another transaction was writing the same item; it may well win.
		if code == "TransactionConflict" {
			te.Reason = store.ReasonConflict
			te.Cause = fmt.Errorf("%s: %s", code, aws.ToString(r.Message))
			return te
		}
		if code != "ConditionalCheckFailed" {
			te.Cause = fmt.Errorf("%s: %s", code, aws.ToString(r.Message))
			return te
		}
		old := store.Item(r.Item)
		live := r.Item != nil && (old.ExpiresAt() == 0 || old.ExpiresAt() > now)
		switch {
		case op.Kind == store.OpCreate:
			te.Reason = store.ReasonConflict
		case !live:
			te.Reason = store.ReasonNotFound
		case op.ETag != "" && old.ETag() != op.ETag:
			te.Reason = store.ReasonConflict
		default:
			te.Reason = store.ReasonPreconditionFailed
		}
		return te
	}
	return fmt.Errorf("transact: %w", err)
}
