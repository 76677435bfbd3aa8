package dynamo

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-social-nosql/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUpdateExpr_SetAndIncrement(t *testing.T) {
	b := newExprBuilder()
	expr, err := buildUpdateExpr(b, []store.Patch{
		store.Set(store.FieldStatus, "completed"),
		store.Increment(store.FieldLikes, -1),
	}, "e1")
	require.NoError(t, err)
	assert.Equal(t, "SET #f0 = :v0, #f1 = if_not_exists(#f1, :v1) + :v2, #f2 = :v3", expr)
	assert.Equal(t, map[string]string{"#f0": "status", "#f1": "likes", "#f2": "etag"}, b.Names())

	delta, ok := b.Values()[":v2"].(*types.AttributeValueMemberN)
	require.True(t, ok)
	assert.Equal(t, "-1", delta.Value)
	etag, ok := b.Values()[":v3"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "e1", etag.Value)
}

func TestBuildUpdateExpr_ZeroTTLRemoves(t *testing.T) {
	b := newExprBuilder()
	expr, err := buildUpdateExpr(b, []store.Patch{store.Set(store.FieldTTL, int64(0))}, "e1")
	require.NoError(t, err)
	assert.Equal(t, "SET #f1 = :v0 REMOVE #f0", expr)
	assert.Equal(t, "ttl", b.Names()["#f0"])
}

func TestBuildUpdateExpr_TimeValuesMarshalled(t *testing.T) {
	b := newExprBuilder()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := buildUpdateExpr(b, []store.Patch{store.Set(store.FieldEndedAt, at)}, "e1")
	require.NoError(t, err)
	v, ok := b.Values()[":v0"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, at.Format(time.RFC3339Nano), v.Value)
}

func TestBuildUpdateExpr_Rejections(t *testing.T) {
	_, err := buildUpdateExpr(newExprBuilder(), nil, "e1")
	assert.ErrorContains(t, err, "no fields to update")

	_, err = buildUpdateExpr(newExprBuilder(), []store.Patch{{Field: store.FieldLikes, Op: store.PatchIncrement, Value: 1}}, "e1")
	assert.ErrorContains(t, err, "must be int64")
}

func TestExprBuilder_ReusesNames(t *testing.T) {
	b := newExprBuilder()
	assert.Equal(t, "#f0", b.name(store.FieldTTL))
	assert.Equal(t, "#f1", b.name(store.FieldPartition))
	assert.Equal(t, "#f0", b.name(store.FieldTTL))
	assert.Nil(t, b.Values())
}
