package dynamo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-social-nosql/internal/store"
)

// docKey builds the primary key of a document.
func docKey(k store.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		string(store.FieldPartition): &types.AttributeValueMemberS{Value: k.Partition},
		string(store.FieldID):        &types.AttributeValueMemberS{Value: k.ID},
	}
}

// exprBuilder allocates #name and :value placeholders for one request.
type exprBuilder struct {
	names  map[string]string
	values map[string]types.AttributeValue
	byName map[string]string
}

func newExprBuilder() *exprBuilder {
	return &exprBuilder{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
		byName: make(map[string]string),
	}
}

// name returns the placeholder for attribute f, reusing it on repeated calls.
func (b *exprBuilder) name(f store.Field) string {
	if p, ok := b.byName[string(f)]; ok {
		return p
	}
	p := "#f" + strconv.Itoa(len(b.byName))
	b.byName[string(f)] = p
	b.names[p] = string(f)
	return p
}

// value marshals v and returns its placeholder.
func (b *exprBuilder) value(v any) (string, error) {
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal expression value: %w", err)
	}
	return b.attr(av), nil
}

func (b *exprBuilder) attr(av types.AttributeValue) string {
	p := ":v" + strconv.Itoa(len(b.values))
	b.values[p] = av
	return p
}

// Names and Values return nil when empty; DynamoDB rejects empty maps.
func (b *exprBuilder) Names() map[string]string {
	if len(b.names) == 0 {
		return nil
	}
	return b.names
}

func (b *exprBuilder) Values() map[string]types.AttributeValue {
	if len(b.values) == 0 {
		return nil
	}
	return b.values
}

// liveCondition holds when the document exists and its ttl has not passed.
func (b *exprBuilder) liveCondition(now int64) string {
	ttl := b.name(store.FieldTTL)
	nowP := b.attr(&types.AttributeValueMemberN{Value: strconv.FormatInt(now, 10)})
	return fmt.Sprintf("attribute_exists(%s) AND (attribute_not_exists(%s) OR %s > %s)",
		b.name(store.FieldPartition), ttl, ttl, nowP)
}

// absentCondition holds when no live document holds the key.
func (b *exprBuilder) absentCondition(now int64) string {
	ttl := b.name(store.FieldTTL)
	nowP := b.attr(&types.AttributeValueMemberN{Value: strconv.FormatInt(now, 10)})
	return fmt.Sprintf("attribute_not_exists(%s) OR (attribute_exists(%s) AND %s <= %s)",
		b.name(store.FieldPartition), ttl, ttl, nowP)
}

// updateExpr holds an UpdateExpression split into its clauses.
type updateExpr struct {
	set    []string
	remove []string
}

func (u updateExpr) String() string {
	var parts []string
	if len(u.set) > 0 {
		parts = append(parts, "SET "+strings.Join(u.set, ", "))
	}
	if len(u.remove) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(u.remove, ", "))
	}
	return strings.Join(parts, " ")
}

// buildUpdateExpr converts patches into an update expression that also
// stamps the new etag. Setting the ttl to zero removes it.
func buildUpdateExpr(b *exprBuilder, patches []store.Patch, etag string) (string, error) {
	if len(patches) == 0 {
		return "", fmt.Errorf("no fields to update")
	}
	var u updateExpr
	for _, p := range patches {
		n := b.name(p.Field)
		switch p.Op {
		case store.PatchSet:
			if p.Field == store.FieldTTL && isZero(p.Value) {
				u.remove = append(u.remove, n)
				continue
			}
			v, err := b.value(p.Value)
			if err != nil {
				return "", fmt.Errorf("patch %s: %w", p.Field, err)
			}
			u.set = append(u.set, n+" = "+v)
		case store.PatchIncrement:
			delta, ok := p.Value.(int64)
			if !ok {
				return "", fmt.Errorf("increment %s: delta must be int64, got %T", p.Field, p.Value)
			}
			zero := b.attr(&types.AttributeValueMemberN{Value: "0"})
			d := b.attr(&types.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)})
			u.set = append(u.set, fmt.Sprintf("%s = if_not_exists(%s, %s) + %s", n, n, zero, d))
		default:
			return "", fmt.Errorf("unsupported patch op %d on %s", p.Op, p.Field)
		}
	}
	u.set = append(u.set, b.name(store.FieldETag)+" = "+b.attr(&types.AttributeValueMemberS{Value: etag}))
	return u.String(), nil
}

func isZero(v any) bool {
	switch n := v.(type) {
	case int:
		return n == 0
	case int64:
		return n == 0
	case nil:
		return true
	}
	return false
}
