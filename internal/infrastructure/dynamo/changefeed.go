package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/store"
)

// StreamsAPI is the subset of the DynamoDB Streams client used by the change feed.
type StreamsAPI interface {
	DescribeStream(ctx context.Context, in *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, in *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// emptyHops bounds how many empty pages Read follows before giving up on a
// shard for this poll.
const emptyHops = 4

// ChangeFeed reads the table's stream. Each shard is one range and the
// cursor is the sequence number of the last change returned. Writes to one
// partition key land in one shard lineage, so per-partition order holds as
// long as a child shard is read only after its parent is drained.
type ChangeFeed struct {
	client    StreamsAPI
	streamArn string
}

var _ store.ChangeFeed = (*ChangeFeed)(nil)

func NewChangeFeed(client StreamsAPI, streamArn string) *ChangeFeed {
	return &ChangeFeed{client: client, streamArn: streamArn}
}

func (f *ChangeFeed) Ranges(ctx context.Context) ([]store.Range, error) {
	if err := opctx.Intercept(ctx); err != nil {
		return nil, err
	}
	var (
		shards []store.Range
		start  *string
	)
	for {
		out, err := f.client.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(f.streamArn),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			return nil, fmt.Errorf("describe stream: %w", err)
		}
		desc := out.StreamDescription
		if desc == nil {
			return shards, nil
		}
		for _, sh := range desc.Shards {
			shards = append(shards, store.Range{ID: aws.ToString(sh.ShardId), Parent: aws.ToString(sh.ParentShardId)})
		}
		if desc.LastEvaluatedShardId == nil {
			return shards, nil
		}
		start = desc.LastEvaluatedShardId
	}
}

// Read returns the next changes of a shard. A shard that is closed and fully
// read, or already deleted by the stream's retention, comes back Closed. A
// cursor older than the retention window restarts at the oldest record.
func (f *ChangeFeed) Read(ctx context.Context, rangeID, cursor string, limit int) (store.ChangeBatch, error) {
	if err := opctx.Intercept(ctx); err != nil {
		return store.ChangeBatch{}, err
	}
	batch := store.ChangeBatch{Next: cursor}
	iter, err := f.iterator(ctx, rangeID, cursor)
	var gone *streamtypes.ResourceNotFoundException
	if errors.As(err, &gone) {
		slog.Warn("dynamo: shard no longer exists", "shard", rangeID)
		batch.Closed = true
		return batch, nil
	}
	if err != nil {
		return store.ChangeBatch{}, err
	}

	for hop := 0; iter != nil && hop < emptyHops; hop++ {
		req := &dynamodbstreams.GetRecordsInput{ShardIterator: iter}
		if limit > 0 {
			req.Limit = aws.Int32(int32(limit))
		}
		out, err := f.client.GetRecords(ctx, req)
		if err != nil {
			return store.ChangeBatch{}, fmt.Errorf("get records %s: %w", rangeID, err)
		}
		iter = out.NextShardIterator
		if len(out.Records) == 0 {
			continue
		}
		for _, r := range out.Records {
			c, err := toChange(r)
			if err != nil {
				return store.ChangeBatch{}, err
			}
			batch.Changes = append(batch.Changes, c)
			batch.Next = aws.ToString(r.Dynamodb.SequenceNumber)
		}
		batch.Closed = iter == nil
		return batch, nil
	}
	// A nil iterator means the shard is closed and nothing is left in it.
	batch.Closed = iter == nil
	return batch, nil
}

func (f *ChangeFeed) iterator(ctx context.Context, rangeID, cursor string) (*string, error) {
	in := &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(f.streamArn),
		ShardId:           aws.String(rangeID),
		ShardIteratorType: streamtypes.ShardIteratorTypeTrimHorizon,
	}
	if cursor != "" {
		in.ShardIteratorType = streamtypes.ShardIteratorTypeAfterSequenceNumber
		in.SequenceNumber = aws.String(cursor)
	}
	out, err := f.client.GetShardIterator(ctx, in)
	var trimmed *streamtypes.TrimmedDataAccessException
	if cursor != "" && errors.As(err, &trimmed) {
		slog.Warn("dynamo: cursor trimmed from stream, restarting at oldest record", "shard", rangeID, "cursor", cursor)
		in.ShardIteratorType = streamtypes.ShardIteratorTypeTrimHorizon
		in.SequenceNumber = nil
		out, err = f.client.GetShardIterator(ctx, in)
	}
	if err != nil {
		return nil, fmt.Errorf("shard iterator %s: %w", rangeID, err)
	}
	return out.ShardIterator, nil
}

func toChange(r streamtypes.Record) (store.Change, error) {
	sr := r.Dynamodb
	if sr == nil {
		return store.Change{}, fmt.Errorf("stream record %s has no payload", aws.ToString(r.EventID))
	}
	keys, err := attributevalue.FromDynamoDBStreamsMap(sr.Keys)
	if err != nil {
		return store.Change{}, fmt.Errorf("convert keys: %w", err)
	}
	c := store.Change{Key: store.Item(keys).Key()}
	if sr.ApproximateCreationDateTime != nil {
		c.At = *sr.ApproximateCreationDateTime
	}
	if r.EventName == streamtypes.OperationTypeRemove {
		c.Removed = true
		return c, nil
	}
	img, err := attributevalue.FromDynamoDBStreamsMap(sr.NewImage)
	if err != nil {
		return store.Change{}, fmt.Errorf("convert image of %s: %w", c.Key, err)
	}
	c.Item = img
	return c, nil
}
