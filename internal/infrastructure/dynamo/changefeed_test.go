package dynamo

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/go-social-nosql/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStreams struct{ mock.Mock }

func (m *mockStreams) DescribeStream(ctx context.Context, in *dynamodbstreams.DescribeStreamInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodbstreams.DescribeStreamOutput)
	return out, args.Error(1)
}

func (m *mockStreams) GetShardIterator(ctx context.Context, in *dynamodbstreams.GetShardIteratorInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodbstreams.GetShardIteratorOutput)
	return out, args.Error(1)
}

func (m *mockStreams) GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodbstreams.GetRecordsOutput)
	return out, args.Error(1)
}

func streamKey(pk, id string) map[string]streamtypes.AttributeValue {
	return map[string]streamtypes.AttributeValue{
		"pk": &streamtypes.AttributeValueMemberS{Value: pk},
		"id": &streamtypes.AttributeValueMemberS{Value: id},
	}
}

func TestChangeFeed_RangesFollowsPages(t *testing.T) {
	api := &mockStreams{}
	f := NewChangeFeed(api, "arn")
	api.On("DescribeStream", mock.Anything, mock.MatchedBy(func(in *dynamodbstreams.DescribeStreamInput) bool {
		return in.ExclusiveStartShardId == nil
	})).Return(&dynamodbstreams.DescribeStreamOutput{StreamDescription: &streamtypes.StreamDescription{
		Shards:               []streamtypes.Shard{{ShardId: aws.String("s1")}},
		LastEvaluatedShardId: aws.String("s1"),
	}}, nil)
	api.On("DescribeStream", mock.Anything, mock.MatchedBy(func(in *dynamodbstreams.DescribeStreamInput) bool {
		return aws.ToString(in.ExclusiveStartShardId) == "s1"
	})).Return(&dynamodbstreams.DescribeStreamOutput{StreamDescription: &streamtypes.StreamDescription{
		Shards: []streamtypes.Shard{{ShardId: aws.String("s2"), ParentShardId: aws.String("s1")}},
	}}, nil)

	ranges, err := f.Ranges(at())
	require.NoError(t, err)
	assert.Equal(t, []store.Range{{ID: "s1"}, {ID: "s2", Parent: "s1"}}, ranges)
}

func TestChangeFeed_ReadResumesAfterCursor(t *testing.T) {
	api := &mockStreams{}
	f := NewChangeFeed(api, "arn")
	api.On("GetShardIterator", mock.Anything, mock.MatchedBy(func(in *dynamodbstreams.GetShardIteratorInput) bool {
		return in.ShardIteratorType == streamtypes.ShardIteratorTypeAfterSequenceNumber && aws.ToString(in.SequenceNumber) == "100"
	})).Return(&dynamodbstreams.GetShardIteratorOutput{ShardIterator: aws.String("it-1")}, nil)
	api.On("GetRecords", mock.Anything, mock.MatchedBy(func(in *dynamodbstreams.GetRecordsInput) bool {
		return aws.ToString(in.ShardIterator) == "it-1"
	})).Return(&dynamodbstreams.GetRecordsOutput{NextShardIterator: aws.String("it-2")}, nil)
	api.On("GetRecords", mock.Anything, mock.MatchedBy(func(in *dynamodbstreams.GetRecordsInput) bool {
		return aws.ToString(in.ShardIterator) == "it-2"
	})).Return(&dynamodbstreams.GetRecordsOutput{NextShardIterator: aws.String("it-3"), Records: []streamtypes.Record{
		{
			EventName: streamtypes.OperationTypeInsert,
			Dynamodb: &streamtypes.StreamRecord{
				Keys:           streamKey("conv#1", "conversation"),
				NewImage:       streamKey("conv#1", "conversation"),
				SequenceNumber: aws.String("101"),
			},
		},
		{
			EventName: streamtypes.OperationTypeRemove,
			Dynamodb: &streamtypes.StreamRecord{
				Keys:           streamKey("conv#1", "counters"),
				SequenceNumber: aws.String("102"),
			},
		},
	}}, nil)

	batch, err := f.Read(at(), "s1", "100", 10)
	require.NoError(t, err)
	require.Len(t, batch.Changes, 2)
	assert.Equal(t, store.Key{Partition: "conv#1", ID: "conversation"}, batch.Changes[0].Key)
	assert.Equal(t, "conversation", batch.Changes[0].Item.Key().ID)
	assert.True(t, batch.Changes[1].Removed)
	assert.Nil(t, batch.Changes[1].Item)
	assert.Equal(t, "102", batch.Next)
	assert.False(t, batch.Closed)
}

func TestChangeFeed_ClosedShardKeepsCursor(t *testing.T) {
	api := &mockStreams{}
	f := NewChangeFeed(api, "arn")
	api.On("GetShardIterator", mock.Anything, mock.Anything).Return(&dynamodbstreams.GetShardIteratorOutput{ShardIterator: aws.String("it")}, nil)
	api.On("GetRecords", mock.Anything, mock.Anything).Return(&dynamodbstreams.GetRecordsOutput{}, nil)

	batch, err := f.Read(at(), "s1", "7", 10)
	require.NoError(t, err)
	assert.Empty(t, batch.Changes)
	assert.Equal(t, "7", batch.Next)
	assert.True(t, batch.Closed)
}

func TestChangeFeed_OpenShardWithoutRecordsStaysOpen(t *testing.T) {
	api := &mockStreams{}
	f := NewChangeFeed(api, "arn")
	api.On("GetShardIterator", mock.Anything, mock.Anything).Return(&dynamodbstreams.GetShardIteratorOutput{ShardIterator: aws.String("it")}, nil)
	api.On("GetRecords", mock.Anything, mock.Anything).Return(&dynamodbstreams.GetRecordsOutput{NextShardIterator: aws.String("it")}, nil)

	batch, err := f.Read(at(), "s1", "7", 10)
	require.NoError(t, err)
	assert.False(t, batch.Closed)
	api.AssertNumberOfCalls(t, "GetRecords", emptyHops)
}

func TestChangeFeed_LastRecordsOfClosedShard(t *testing.T) {
	api := &mockStreams{}
	f := NewChangeFeed(api, "arn")
	api.On("GetShardIterator", mock.Anything, mock.Anything).Return(&dynamodbstreams.GetShardIteratorOutput{ShardIterator: aws.String("it")}, nil)
	api.On("GetRecords", mock.Anything, mock.Anything).Return(&dynamodbstreams.GetRecordsOutput{Records: []streamtypes.Record{{
		EventName: streamtypes.OperationTypeModify,
		Dynamodb: &streamtypes.StreamRecord{
			Keys:           streamKey("conv#1", "counters"),
			NewImage:       streamKey("conv#1", "counters"),
			SequenceNumber: aws.String("9"),
		},
	}}}, nil)

	batch, err := f.Read(at(), "s1", "8", 10)
	require.NoError(t, err)
	require.Len(t, batch.Changes, 1)
	assert.Equal(t, "9", batch.Next)
	assert.True(t, batch.Closed)
}

func TestChangeFeed_TrimmedCursorRestartsAtOldest(t *testing.T) {
	api := &mockStreams{}
	f := NewChangeFeed(api, "arn")
	api.On("GetShardIterator", mock.Anything, mock.MatchedBy(func(in *dynamodbstreams.GetShardIteratorInput) bool {
		return in.ShardIteratorType == streamtypes.ShardIteratorTypeAfterSequenceNumber
	})).Return(nil, &streamtypes.TrimmedDataAccessException{Message: aws.String("trimmed")})
	api.On("GetShardIterator", mock.Anything, mock.MatchedBy(func(in *dynamodbstreams.GetShardIteratorInput) bool {
		return in.ShardIteratorType == streamtypes.ShardIteratorTypeTrimHorizon && in.SequenceNumber == nil
	})).Return(&dynamodbstreams.GetShardIteratorOutput{ShardIterator: aws.String("it-oldest")}, nil)
	api.On("GetRecords", mock.Anything, mock.MatchedBy(func(in *dynamodbstreams.GetRecordsInput) bool {
		return aws.ToString(in.ShardIterator) == "it-oldest"
	})).Return(&dynamodbstreams.GetRecordsOutput{NextShardIterator: aws.String("it-next"), Records: []streamtypes.Record{{
		EventName: streamtypes.OperationTypeInsert,
		Dynamodb: &streamtypes.StreamRecord{
			Keys:           streamKey("conv#1", "conversation"),
			NewImage:       streamKey("conv#1", "conversation"),
			SequenceNumber: aws.String("500"),
		},
	}}}, nil)

	batch, err := f.Read(at(), "s1", "1", 10)
	require.NoError(t, err)
	require.Len(t, batch.Changes, 1)
	assert.Equal(t, "500", batch.Next)
	api.AssertExpectations(t)
}

func TestChangeFeed_ExpiredShardReadsAsClosed(t *testing.T) {
	api := &mockStreams{}
	f := NewChangeFeed(api, "arn")
	api.On("GetShardIterator", mock.Anything, mock.Anything).Return(nil, &streamtypes.ResourceNotFoundException{Message: aws.String("no shard")})

	batch, err := f.Read(at(), "s0", "3", 10)
	require.NoError(t, err)
	assert.True(t, batch.Closed)
	assert.Equal(t, "3", batch.Next)
	api.AssertNotCalled(t, "GetRecords", mock.Anything, mock.Anything)
}
