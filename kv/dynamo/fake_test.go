package dynamo

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeAPI is an in-memory DynamoDB table covering the calls Store makes.
type fakeAPI struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	// unprocessed makes the next BatchGetItem call return every key as
	// unprocessed.
	unprocessed int
	batchGets   int
	transacts   []*dynamodb.TransactWriteItemsInput
	transactErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: make(map[string]map[string]types.AttributeValue)}
}

func keyString(key map[string]types.AttributeValue) string {
	pk := key[attrPK].(*types.AttributeValueMemberS).Value
	sk := key[attrSK].(*types.AttributeValueMemberS).Value
	return pk + "\x00" + sk
}

func copyItem(it map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[keyString(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(it)}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.conditionHolds(in.ConditionExpression, in.Item) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	f.items[keyString(in.Item)] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, keyString(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyUpdate(in.Key, aws.ToString(in.UpdateExpression), in.ExpressionAttributeValues)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeAPI) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchGets++

	if f.unprocessed > 0 {
		f.unprocessed--
		return &dynamodb.BatchGetItemOutput{UnprocessedKeys: in.RequestItems}, nil
	}

	out := &dynamodb.BatchGetItemOutput{Responses: make(map[string][]map[string]types.AttributeValue)}
	for table, ka := range in.RequestItems {
		for _, k := range ka.Keys {
			if it, ok := f.items[keyString(k)]; ok {
				out.Responses[table] = append(out.Responses[table], copyItem(it))
			}
		}
	}
	return out, nil
}

func (f *fakeAPI) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transacts = append(f.transacts, in)
	if f.transactErr != nil {
		return nil, f.transactErr
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		if ti.Put != nil && !f.conditionHolds(ti.Put.ConditionExpression, ti.Put.Item) {
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed"), Message: aws.String("The conditional request failed")}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			f.items[keyString(ti.Put.Item)] = copyItem(ti.Put.Item)
		case ti.Delete != nil:
			delete(f.items, keyString(ti.Delete.Key))
		case ti.Update != nil:
			f.applyUpdate(ti.Update.Key, aws.ToString(ti.Update.UpdateExpression), ti.Update.ExpressionAttributeValues)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeAPI) conditionHolds(expr *string, it map[string]types.AttributeValue) bool {
	if aws.ToString(expr) != "attribute_not_exists(pk)" {
		return true
	}
	_, exists := f.items[keyString(it)]
	return !exists
}

// applyUpdate handles "ADD #m :m" and "DELETE #m :m" on the members set.
func (f *fakeAPI) applyUpdate(key map[string]types.AttributeValue, expr string, values map[string]types.AttributeValue) {
	ks := keyString(key)
	it, ok := f.items[ks]
	if !ok {
		it = copyItem(key)
	}

	members := map[string]struct{}{}
	if ss, ok := it[attrMembers].(*types.AttributeValueMemberSS); ok {
		for _, m := range ss.Value {
			members[m] = struct{}{}
		}
	}
	for _, m := range values[":m"].(*types.AttributeValueMemberSS).Value {
		if strings.HasPrefix(expr, "ADD ") {
			members[m] = struct{}{}
		} else {
			delete(members, m)
		}
	}

	if len(members) == 0 {
		delete(it, attrMembers)
	} else {
		ss := make([]string, 0, len(members))
		for m := range members {
			ss = append(ss, m)
		}
		it[attrMembers] = &types.AttributeValueMemberSS{Value: ss}
	}

	if !ok && len(members) == 0 {
		return
	}
	f.items[ks] = it
}
