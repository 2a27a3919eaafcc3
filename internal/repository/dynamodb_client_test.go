package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"scm-relay/internal/domain"
)

// fakeDynamo keeps items in memory and applies the contact UpdateItem
// expression the way DynamoDB would.
type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue

	getErr, updateErr, batchErr, scanErr error
	// unprocessedOnce leaves the first batch key unprocessed on the first call.
	unprocessedOnce bool

	lastUpdate *dynamodb.UpdateItemInput
	lastGet    *dynamodb.GetItemInput
	batchCalls int
	batchSizes []int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func pkOf(key map[string]types.AttributeValue) string {
	return key["PK"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGet = in
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &dynamodb.GetItemOutput{Item: f.items[pkOf(in.Key)]}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdate = in
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	pk := pkOf(in.Key)
	v := in.ExpressionAttributeValues
	item := map[string]types.AttributeValue{
		"PK":              in.Key["PK"],
		"SK":              in.Key["SK"],
		"id":              v[":id"],
		"name":            v[":name"],
		"subscriptions":   v[":subs"],
		"reachBackHandle": v[":ref"],
		"registeredDate":  v[":now"],
		"lastUpdated":     v[":now"],
	}
	if prev, ok := f.items[pk]; ok {
		item["registeredDate"] = prev["registeredDate"]
	}
	f.items[pk] = item
	return &dynamodb.UpdateItemOutput{Attributes: item}, nil
}

func (f *fakeDynamo) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := &dynamodb.BatchGetItemOutput{
		Responses:       map[string][]map[string]types.AttributeValue{},
		UnprocessedKeys: map[string]types.KeysAndAttributes{},
	}
	for table, ka := range in.RequestItems {
		f.batchSizes = append(f.batchSizes, len(ka.Keys))
		keys := ka.Keys
		if f.unprocessedOnce && len(keys) > 0 {
			f.unprocessedOnce = false
			out.UnprocessedKeys[table] = types.KeysAndAttributes{Keys: keys[:1]}
			keys = keys[1:]
		}
		for _, k := range keys {
			if item, ok := f.items[pkOf(k)]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
	}
	return out, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	out := &dynamodb.ScanOutput{}
	for _, item := range f.items {
		out.Items = append(out.Items, map[string]types.AttributeValue{"id": item["id"]})
	}
	return out, nil
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "contacts")
	require.NoError(t, err)
	return c
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, "contacts")
	require.Error(t, err)
	_, err = New(newFakeDynamo(), " ")
	require.Error(t, err)
}

func TestUpsert_WritesFullRecord(t *testing.T) {
	db := newFakeDynamo()
	c := mustNewClient(t, db)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

	rec, err := c.Upsert(context.Background(), "29:u1", "Ada", domain.ConversationReference{ServiceURL: "https://smba", Conversation: domain.ConversationAccount{ID: "c1"}}, []string{"jobB", "jobA", "jobA"})
	require.NoError(t, err)
	require.Equal(t, "29:u1", rec.ID)
	require.Equal(t, "Ada", rec.Name)
	require.Equal(t, []string{"jobA", "jobB"}, rec.Subscriptions)
	require.Equal(t, "c1", rec.ReachBack.Conversation.ID)
	require.Equal(t, c.now(), rec.RegisteredDate)

	require.Equal(t, "USER#29:u1", pkOf(db.lastUpdate.Key))
	require.Contains(t, *db.lastUpdate.UpdateExpression, "if_not_exists(registeredDate, :now)")
	require.Equal(t, types.ReturnValueAllNew, db.lastUpdate.ReturnValues)
}

func TestUpsert_EmptySubscriptionsStoredAsList(t *testing.T) {
	db := newFakeDynamo()
	c := mustNewClient(t, db)
	_, err := c.Upsert(context.Background(), "u1", "Ada", domain.ConversationReference{}, nil)
	require.NoError(t, err)
	l, ok := db.lastUpdate.ExpressionAttributeValues[":subs"].(*types.AttributeValueMemberL)
	require.True(t, ok)
	require.Empty(t, l.Value)
}

func TestUpsert_StorageError(t *testing.T) {
	db := newFakeDynamo()
	db.updateErr = errors.New("ProvisionedThroughputExceededException")
	_, err := mustNewClient(t, db).Upsert(context.Background(), "u1", "Ada", domain.ConversationReference{}, nil)
	var storage *StorageError
	require.ErrorAs(t, err, &storage)
	require.Equal(t, "upsert", storage.Op)
}

func TestUpsert_RejectsEmptyIdentity(t *testing.T) {
	_, err := mustNewClient(t, newFakeDynamo()).Upsert(context.Background(), " ", "x", domain.ConversationReference{}, nil)
	require.Error(t, err)
}

func TestGet_MissingIsNotAnError(t *testing.T) {
	db := newFakeDynamo()
	_, ok, err := mustNewClient(t, db).Get(context.Background(), "nobody")
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, *db.lastGet.ConsistentRead)
}

func TestGet_StoreUnavailableIsStorageError(t *testing.T) {
	db := newFakeDynamo()
	db.getErr = errors.New("ResourceNotFoundException")
	_, ok, err := mustNewClient(t, db).Get(context.Background(), "u1")
	require.False(t, ok)
	var storage *StorageError
	require.ErrorAs(t, err, &storage)
}

func TestGet_MalformedItem(t *testing.T) {
	db := newFakeDynamo()
	db.items["USER#u1"] = map[string]types.AttributeValue{
		"id":              &types.AttributeValueMemberS{Value: "u1"},
		"reachBackHandle": &types.AttributeValueMemberS{Value: "{not json"},
	}
	_, _, err := mustNewClient(t, db).Get(context.Background(), "u1")
	require.ErrorContains(t, err, "reachBackHandle")
}

func TestFindByIdentities_ChunksAndRetriesUnprocessed(t *testing.T) {
	db := newFakeDynamo()
	c := mustNewClient(t, db)
	var ids []string
	for i := 0; i < 150; i++ {
		id := fmt.Sprintf("u%03d", i)
		ids = append(ids, id)
		_, err := c.Upsert(context.Background(), id, "", domain.ConversationReference{}, nil)
		require.NoError(t, err)
	}
	db.unprocessedOnce = true

	recs, err := c.FindByIdentities(context.Background(), append(ids, "missing"))
	require.NoError(t, err)
	require.Len(t, recs, 150)
	require.Equal(t, []int{100, 1, 51}, db.batchSizes)
}

func TestFindByIdentities_Empty(t *testing.T) {
	db := newFakeDynamo()
	recs, err := mustNewClient(t, db).FindByIdentities(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, recs)
	require.Zero(t, db.batchCalls)
}

func TestListIdentities(t *testing.T) {
	db := newFakeDynamo()
	c := mustNewClient(t, db)
	for _, id := range []string{"u2", "u1"} {
		_, err := c.Upsert(context.Background(), id, "", domain.ConversationReference{}, nil)
		require.NoError(t, err)
	}
	ids, err := c.ListIdentities(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, ids)

	db.scanErr = errors.New("boom")
	_, err = c.ListIdentities(context.Background())
	var storage *StorageError
	require.ErrorAs(t, err, &storage)
}
