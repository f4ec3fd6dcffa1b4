// Package dynamo implements kv.Store on a single DynamoDB table.
//
// # Table Layout
//
// The table has a string partition key "pk" and string sort key "sk".
//
//	plain value:  pk=<key>  sk="#"         val=<bytes>
//	set:          pk=<key>  sk="#"         members=<string set>
//	hash field:   pk=<key>  sk="f#<field>" val=<bytes>
//
// Batches are executed with TransactWriteItems (at most 100 operations, each
// on a distinct item). Conditional writes use attribute_not_exists(pk).
//
// Delete and Exists address the "#" item only; hash fields are removed with
// HashDelete.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/arbor/kv"
)

const (
	attrPK      = "pk"
	attrSK      = "sk"
	attrVal     = "val"
	attrMembers = "members"

	valueSK     = "#"
	fieldPrefix = "f#"

	// MaxBatchOps is the TransactWriteItems item limit.
	MaxBatchOps = 100

	maxBatchGetKeys = 100
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Config holds configuration for the Store.
type Config struct {
	// TableName is the DynamoDB table holding all keys.
	// Default: "arbor_kv"
	TableName string

	// UnprocessedRetries bounds BatchGetItem retries for unprocessed keys.
	// Default: 5
	UnprocessedRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TableName:          "arbor_kv",
		UnprocessedRetries: 5,
	}
}

func (c *Config) validate() {
	if c.TableName == "" {
		c.TableName = "arbor_kv"
	}
	if c.UnprocessedRetries < 1 {
		c.UnprocessedRetries = 5
	}
}

// Store is a kv.Store backed by DynamoDB.
type Store struct {
	client API
	config Config
}

var _ kv.Store = (*Store)(nil)

// New creates a new Store instance.
func New(client API, config Config) *Store {
	config.validate()
	return &Store{client: client, config: config}
}

// item is the stored shape of every key.
type item struct {
	PK      string   `dynamodbav:"pk"`
	SK      string   `dynamodbav:"sk"`
	Val     []byte   `dynamodbav:"val,omitempty"`
	Members []string `dynamodbav:"members,stringset,omitempty"`
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
		attrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

func fieldSK(field string) string {
	return fieldPrefix + field
}

func (s *Store) getItem(ctx context.Context, pk, sk string) (*item, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.TableName),
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, kv.ErrKeyNotFound
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &it, nil
}

func (s *Store) putItem(ctx context.Context, it item) error {
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.TableName),
		Item:      av,
	})
	return err
}

func (s *Store) deleteItem(ctx context.Context, pk, sk string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.TableName),
		Key:       itemKey(pk, sk),
	})
	return err
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	it, err := s.getItem(ctx, key, valueSK)
	if err != nil {
		return nil, err
	}
	if it.Val == nil {
		return nil, kv.ErrKeyNotFound
	}
	return it.Val, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.putItem(ctx, item{PK: key, SK: valueSK, Val: value})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.deleteItem(ctx, key, valueSK)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.getItem(ctx, key, valueSK)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	_, err := s.client.UpdateItem(ctx, s.setUpdate(key, "ADD", members))
	return err
}

func (s *Store) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	_, err := s.client.UpdateItem(ctx, s.setUpdate(key, "DELETE", members))
	return err
}

func (s *Store) setUpdate(key, action string, members []string) *dynamodb.UpdateItemInput {
	return &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.TableName),
		Key:                       itemKey(key, valueSK),
		UpdateExpression:          aws.String(action + " #m :m"),
		ExpressionAttributeNames:  map[string]string{"#m": attrMembers},
		ExpressionAttributeValues: map[string]types.AttributeValue{":m": &types.AttributeValueMemberSS{Value: members}},
	}
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	it, err := s.getItem(ctx, key, valueSK)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if it.Members == nil {
		return []string{}, nil
	}
	return it.Members, nil
}

func (s *Store) HashSet(ctx context.Context, key, field string, value []byte) error {
	return s.putItem(ctx, item{PK: key, SK: fieldSK(field), Val: value})
}

func (s *Store) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	it, err := s.getItem(ctx, key, fieldSK(field))
	if err != nil {
		return nil, err
	}
	return it.Val, nil
}

func (s *Store) HashDelete(ctx context.Context, key, field string) error {
	return s.deleteItem(ctx, key, fieldSK(field))
}

func (s *Store) HashExists(ctx context.Context, key, field string) (bool, error) {
	_, err := s.getItem(ctx, key, fieldSK(field))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// MultiGet reads keys with BatchGetItem in chunks of 100, retrying
// unprocessed keys.
func (s *Store) MultiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	found := make(map[string][]byte, len(keys))

	var unique []string
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			unique = append(unique, k)
		}
	}

	for start := 0; start < len(unique); start += maxBatchGetKeys {
		end := start + maxBatchGetKeys
		if end > len(unique) {
			end = len(unique)
		}
		if err := s.batchGet(ctx, unique[start:end], found); err != nil {
			return nil, err
		}
	}

	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = found[k]
	}
	return out, nil
}

func (s *Store) batchGet(ctx context.Context, keys []string, found map[string][]byte) error {
	requestKeys := make([]map[string]types.AttributeValue, len(keys))
	for i, k := range keys {
		requestKeys[i] = itemKey(k, valueSK)
	}
	request := map[string]types.KeysAndAttributes{
		s.config.TableName: {Keys: requestKeys, ConsistentRead: aws.Bool(true)},
	}

	for attempt := 0; len(request) > 0; attempt++ {
		if attempt > s.config.UnprocessedRetries {
			return fmt.Errorf("batch get: unprocessed keys after %d attempts", attempt)
		}
		if attempt > 0 {
			if err := sleep(ctx, time.Duration(attempt*attempt)*10*time.Millisecond); err != nil {
				return err
			}
		}

		out, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
		if err != nil {
			return err
		}
		for _, raw := range out.Responses[s.config.TableName] {
			var it item
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return fmt.Errorf("unmarshal item: %w", err)
			}
			if it.Val != nil {
				found[it.PK] = it.Val
			}
		}
		request = out.UnprocessedKeys
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Begin opens a TransactWriteItems batch.
func (s *Store) Begin() kv.Batch {
	return &batch{store: s}
}

// Close is a no-op; the DynamoDB client holds no connections to release.
func (s *Store) Close() error {
	return nil
}

type batch struct {
	kv.Queue
	store     *Store
	committed bool
}

func (b *batch) Commit(ctx context.Context) ([]kv.Result, error) {
	if b.committed {
		return nil, kv.ErrBatchCommitted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ops := b.Ops()
	if len(ops) > MaxBatchOps {
		return nil, &kv.CommitError{Index: -1, Err: fmt.Errorf("%w: %d operations (max %d)", kv.ErrBatchTooLarge, len(ops), MaxBatchOps)}
	}

	items := make([]types.TransactWriteItem, 0, len(ops))
	claims := kv.Claims{}
	for i, op := range ops {
		if !claims.Claim(op) {
			return nil, &kv.CommitError{Index: i, Op: op.Kind, Key: op.Key, Err: kv.ErrConditionFailed}
		}
		twi, err := b.store.transactItem(op)
		if err != nil {
			return nil, &kv.CommitError{Index: i, Op: op.Kind, Key: op.Key, Err: err}
		}
		items = append(items, twi)
	}

	b.committed = true
	if len(items) > 0 {
		_, err := b.store.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		})
		if err != nil {
			return nil, mapTransactionError(err, ops)
		}
	}

	results := make([]kv.Result, len(ops))
	for i, op := range ops {
		results[i] = kv.Result{Op: op.Kind, Key: op.Key, Affected: 1}
	}
	return results, nil
}

func (s *Store) transactItem(op kv.Op) (types.TransactWriteItem, error) {
	table := aws.String(s.config.TableName)

	switch op.Kind {
	case kv.OpSet, kv.OpSetIfAbsent, kv.OpHashSet, kv.OpHashSetIfAbsent:
		sk := valueSK
		if op.Kind == kv.OpHashSet || op.Kind == kv.OpHashSetIfAbsent {
			sk = fieldSK(op.Field)
		}
		av, err := attributevalue.MarshalMap(item{PK: op.Key, SK: sk, Val: op.Value})
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("marshal item: %w", err)
		}
		put := &types.Put{TableName: table, Item: av}
		if op.Kind.Conditional() {
			put.ConditionExpression = aws.String("attribute_not_exists(pk)")
		}
		return types.TransactWriteItem{Put: put}, nil

	case kv.OpDelete, kv.OpHashDelete:
		sk := valueSK
		if op.Kind == kv.OpHashDelete {
			sk = fieldSK(op.Field)
		}
		return types.TransactWriteItem{
			Delete: &types.Delete{TableName: table, Key: itemKey(op.Key, sk)},
		}, nil

	case kv.OpSetAdd, kv.OpSetRemove:
		action := "ADD"
		if op.Kind == kv.OpSetRemove {
			action = "DELETE"
		}
		u := s.setUpdate(op.Key, action, op.Members)
		return types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 u.TableName,
				Key:                       u.Key,
				UpdateExpression:          u.UpdateExpression,
				ExpressionAttributeNames:  u.ExpressionAttributeNames,
				ExpressionAttributeValues: u.ExpressionAttributeValues,
			},
		}, nil
	}

	return types.TransactWriteItem{}, fmt.Errorf("unsupported operation %s", op.Kind)
}

// mapTransactionError maps a cancelled transaction to the first cancelled op.
func mapTransactionError(err error, ops []kv.Op) error {
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil || *reason.Code == "None" || i >= len(ops) {
				continue
			}
			if *reason.Code == "ConditionalCheckFailed" {
				return &kv.CommitError{Index: i, Op: ops[i].Kind, Key: ops[i].Key, Err: kv.ErrConditionFailed}
			}
			return &kv.CommitError{
				Index: i,
				Op:    ops[i].Kind,
				Key:   ops[i].Key,
				Err:   fmt.Errorf("%s: %s", *reason.Code, aws.ToString(reason.Message)),
			}
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &kv.CommitError{Index: -1, Err: err}
}
