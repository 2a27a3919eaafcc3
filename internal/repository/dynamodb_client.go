package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"scm-relay/internal/domain"
)

const (
	pkPrefixUser = "USER#"
	skContact    = "CONTACT"
	// BatchGetItem accepts at most 100 keys per call.
	batchGetLimit    = 100
	batchGetAttempts = 5
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Client is the DynamoDB-backed ContactDirectory. One item per user identity.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{
		api:       api,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// userPK returns the partition key for a user identity.
func userPK(identity string) string {
	return pkPrefixUser + identity
}

func contactKey(identity string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: userPK(identity)},
		"SK": &types.AttributeValueMemberS{Value: skContact},
	}
}

// Upsert replaces the record in a single UpdateItem so the registration date
// can be kept with if_not_exists.
func (c *Client) Upsert(ctx context.Context, identity, displayName string, ref domain.ConversationReference, subscriptions []string) (domain.ContactRecord, error) {
	identity, err := validIdentity(identity)
	if err != nil {
		return domain.ContactRecord{}, err
	}
	refJSON, err := json.Marshal(ref)
	if err != nil {
		return domain.ContactRecord{}, fmt.Errorf("repository: Upsert marshal reach-back handle: %w", err)
	}
	now := formatTime(c.now())

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              contactKey(identity),
		UpdateExpression: aws.String("SET #id = :id, #name = :name, subscriptions = :subs, reachBackHandle = :ref, registeredDate = if_not_exists(registeredDate, :now), lastUpdated = :now"),
		ExpressionAttributeNames: map[string]string{
			"#id":   "id",
			"#name": "name",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id":   &types.AttributeValueMemberS{Value: identity},
			":name": &types.AttributeValueMemberS{Value: displayName},
			":subs": tagList(domain.NormalizeTags(subscriptions)),
			":ref":  &types.AttributeValueMemberS{Value: string(refJSON)},
			":now":  &types.AttributeValueMemberS{Value: now},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return domain.ContactRecord{}, storageErr("upsert", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return domain.ContactRecord{}, storageErr("upsert", errors.New("no attributes returned"))
	}
	rec, err := itemToContact(out.Attributes)
	if err != nil {
		return domain.ContactRecord{}, storageErr("upsert decode", err)
	}
	return rec, nil
}

// Get returns the stored record for identity.
func (c *Client) Get(ctx context.Context, identity string) (domain.ContactRecord, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            contactKey(identity),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ContactRecord{}, false, storageErr("get", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ContactRecord{}, false, nil
	}
	rec, err := itemToContact(out.Item)
	if err != nil {
		return domain.ContactRecord{}, false, storageErr("get decode", err)
	}
	return rec, true, nil
}

// FindByIdentities batch-reads the requested identities, retrying keys
// DynamoDB leaves unprocessed.
func (c *Client) FindByIdentities(ctx context.Context, identities []string) ([]domain.ContactRecord, error) {
	ids := uniqueIdentities(identities)
	var recs []domain.ContactRecord
	for start := 0; start < len(ids); start += batchGetLimit {
		end := min(start+batchGetLimit, len(ids))
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, contactKey(id))
		}
		items, err := c.batchGet(ctx, keys)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			rec, err := itemToContact(item)
			if err != nil {
				return nil, storageErr("find by identities decode", err)
			}
			recs = append(recs, rec)
		}
	}
	sortRecords(recs)
	return recs, nil
}

func (c *Client) batchGet(ctx context.Context, keys []map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	request := map[string]types.KeysAndAttributes{
		c.tableName: {Keys: keys, ConsistentRead: aws.Bool(true)},
	}
	var items []map[string]types.AttributeValue
	for attempt := 0; attempt < batchGetAttempts; attempt++ {
		out, err := c.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
		if err != nil {
			return nil, storageErr("find by identities", err)
		}
		items = append(items, out.Responses[c.tableName]...)
		pending, ok := out.UnprocessedKeys[c.tableName]
		if !ok || len(pending.Keys) == 0 {
			return items, nil
		}
		request = map[string]types.KeysAndAttributes{c.tableName: pending}
		select {
		case <-ctx.Done():
			return nil, storageErr("find by identities", ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return nil, storageErr("find by identities", errors.New("unprocessed keys remain after retries"))
}

// FilterBySubscription returns identities that are unknown or lack tag.
func (c *Client) FilterBySubscription(ctx context.Context, identities []string, tag string) ([]string, error) {
	found, err := c.FindByIdentities(ctx, identities)
	if err != nil {
		return nil, err
	}
	return notSubscribed(identities, found, tag), nil
}

// ListIdentities scans every contact item, projecting only the identity.
func (c *Client) ListIdentities(ctx context.Context) ([]string, error) {
	p := dynamodb.NewScanPaginator(c.api, &dynamodb.ScanInput{
		TableName:            aws.String(c.tableName),
		FilterExpression:     aws.String("SK = :sk"),
		ProjectionExpression: aws.String("#id"),
		ExpressionAttributeNames: map[string]string{
			"#id": "id",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk": &types.AttributeValueMemberS{Value: skContact},
		},
	})
	var ids []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, storageErr("list identities", err)
		}
		for _, item := range page.Items {
			id, err := strAttr(item, "id")
			if err != nil {
				return nil, storageErr("list identities decode", err)
			}
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// itemToContact converts a DynamoDB attribute map to a ContactRecord.
func itemToContact(item map[string]types.AttributeValue) (domain.ContactRecord, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.ContactRecord{}, err
	}
	name, _ := strAttr(item, "name") // allow empty
	refRaw, err := strAttr(item, "reachBackHandle")
	if err != nil {
		return domain.ContactRecord{}, err
	}
	var ref domain.ConversationReference
	if err := json.Unmarshal([]byte(refRaw), &ref); err != nil {
		return domain.ContactRecord{}, fmt.Errorf("repository: decode reachBackHandle: %w", err)
	}
	subs, err := listAttr(item, "subscriptions")
	if err != nil {
		return domain.ContactRecord{}, err
	}
	registered, err := timeAttr(item, "registeredDate")
	if err != nil {
		return domain.ContactRecord{}, err
	}
	updated, err := timeAttr(item, "lastUpdated")
	if err != nil {
		return domain.ContactRecord{}, err
	}
	return domain.ContactRecord{
		ID:             id,
		Name:           name,
		Subscriptions:  subs,
		ReachBack:      ref,
		RegisteredDate: registered,
		LastUpdated:    updated,
	}, nil
}

// tagList stores tags as a list; string sets cannot be empty.
func tagList(tags []string) *types.AttributeValueMemberL {
	l := make([]types.AttributeValue, 0, len(tags))
	for _, t := range tags {
		l = append(l, &types.AttributeValueMemberS{Value: t})
	}
	return &types.AttributeValueMemberL{Value: l}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func listAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, nil
	}
	switch l := v.(type) {
	case *types.AttributeValueMemberL:
		out := make([]string, 0, len(l.Value))
		for _, el := range l.Value {
			s, ok := el.(*types.AttributeValueMemberS)
			if !ok {
				return nil, fmt.Errorf("repository: attribute %q holds a non-string element", key)
			}
			out = append(out, s.Value)
		}
		return out, nil
	case *types.AttributeValueMemberSS:
		return domain.NormalizeTags(l.Value), nil
	default:
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
