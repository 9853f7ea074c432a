package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

type table struct {
	hashKey  string
	rangeKey string
	items    map[string]item
}

// DynamoDBClient is an in-memory implementation of aws.DynamoDBClient. It
// understands the subset of expression syntax the stores emit: SET
// assignments with list_append/if_not_exists, attribute_exists and
// attribute_not_exists conditions, and equality key conditions.
type DynamoDBClient struct {
	mu     sync.Mutex
	tables map[string]*table

	// ScanPageSize, when positive, splits Scan results into pages so callers
	// must follow LastEvaluatedKey.
	ScanPageSize int

	failNext     error
	transactions []dynamodb.TransactWriteItemsInput
	batchWrites  []dynamodb.BatchWriteItemInput
}

// NewDynamoDBClient creates a new mock DynamoDB client
func NewDynamoDBClient() *DynamoDBClient {
	return &DynamoDBClient{tables: make(map[string]*table)}
}

// CreateTable registers a table and its key schema. rangeKey may be empty.
func (m *DynamoDBClient) CreateTable(name, hashKey, rangeKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[name] = &table{hashKey: hashKey, rangeKey: rangeKey, items: make(map[string]item)}
}

// FailNext makes the next call of any operation return err.
func (m *DynamoDBClient) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *DynamoDBClient) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *DynamoDBClient) table(name *string) (*table, error) {
	t, ok := m.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found: " + aws.ToString(name))}
	}
	return t, nil
}

// attributeToString converts a key AttributeValue to a string for map keys
func attributeToString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	default:
		return ""
	}
}

func (t *table) keyOf(it item) (string, error) {
	hv := attributeToString(it[t.hashKey])
	if hv == "" {
		return "", fmt.Errorf("missing hash key %s", t.hashKey)
	}
	if t.rangeKey == "" {
		return hv, nil
	}
	rv := attributeToString(it[t.rangeKey])
	if rv == "" {
		return "", fmt.Errorf("missing range key %s", t.rangeKey)
	}
	return hv + "#" + rv, nil
}

func (t *table) keyAttributes(it item) item {
	out := item{t.hashKey: it[t.hashKey]}
	if t.rangeKey != "" {
		out[t.rangeKey] = it[t.rangeKey]
	}
	return out
}

func copyItem(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func resolveName(ref string, names map[string]string) string {
	ref = strings.TrimSpace(ref)
	if resolved, ok := names[ref]; ok {
		return resolved
	}
	return ref
}

// conditionHolds evaluates attribute_exists / attribute_not_exists against
// the current item (nil when absent).
func conditionHolds(cond *string, names map[string]string, current item) (bool, error) {
	if cond == nil || *cond == "" {
		return true, nil
	}
	expr := strings.TrimSpace(*cond)
	for _, fn := range []string{"attribute_not_exists", "attribute_exists"} {
		if strings.HasPrefix(expr, fn+"(") && strings.HasSuffix(expr, ")") {
			attr := resolveName(expr[len(fn)+1:len(expr)-1], names)
			_, present := current[attr]
			if fn == "attribute_exists" {
				return present, nil
			}
			return !present, nil
		}
	}
	return false, fmt.Errorf("mock: unsupported condition expression %q", expr)
}

// splitTopLevel splits s on sep outside parentheses.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func evalOperand(op string, it item, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, error) {
	op = strings.TrimSpace(op)
	switch {
	case strings.HasPrefix(op, ":"):
		v, ok := values[op]
		if !ok {
			return nil, fmt.Errorf("mock: missing value %s", op)
		}
		return v, nil
	case strings.HasPrefix(op, "if_not_exists(") && strings.HasSuffix(op, ")"):
		args := splitTopLevel(op[len("if_not_exists("):len(op)-1], ',')
		if len(args) != 2 {
			return nil, fmt.Errorf("mock: bad if_not_exists %q", op)
		}
		if v, ok := it[resolveName(args[0], names)]; ok {
			return v, nil
		}
		return evalOperand(args[1], it, names, values)
	case strings.HasPrefix(op, "list_append(") && strings.HasSuffix(op, ")"):
		args := splitTopLevel(op[len("list_append("):len(op)-1], ',')
		if len(args) != 2 {
			return nil, fmt.Errorf("mock: bad list_append %q", op)
		}
		var out []types.AttributeValue
		for _, a := range args {
			v, err := evalOperand(a, it, names, values)
			if err != nil {
				return nil, err
			}
			l, ok := v.(*types.AttributeValueMemberL)
			if !ok {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("list_append operand is not a list")}
			}
			out = append(out, l.Value...)
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	default:
		v, ok := it[resolveName(op, names)]
		if !ok {
			return nil, fmt.Errorf("mock: attribute %s not present", op)
		}
		return v, nil
	}
}

func applyUpdate(it item, expr string, names map[string]string, values map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("mock: unsupported update expression %q", expr)
	}
	for _, assignment := range splitTopLevel(expr[4:], ',') {
		parts := strings.SplitN(assignment, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("mock: bad assignment %q", assignment)
		}
		v, err := evalOperand(parts[1], it, names, values)
		if err != nil {
			return err
		}
		it[resolveName(parts[0], names)] = v
	}
	return nil
}

func (m *DynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	t, err := m.table(params.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: copyItem(t.items[k])}, nil
}

func (m *DynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	t, err := m.table(params.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	ok, err := conditionHolds(params.ConditionExpression, params.ExpressionAttributeNames, t.items[k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	t.items[k] = copyItem(params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (m *DynamoDBClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	t, err := m.table(params.TableName)
	if err != nil {
		return nil, err
	}
	updated, err := m.update(t, params.Key, params.ConditionExpression, aws.ToString(params.UpdateExpression),
		params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	out := &dynamodb.UpdateItemOutput{}
	if params.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(updated)
	}
	return out, nil
}

func (m *DynamoDBClient) update(t *table, key item, cond *string, expr string, names map[string]string, values map[string]types.AttributeValue) (item, error) {
	k, err := t.keyOf(key)
	if err != nil {
		return nil, err
	}
	current := t.items[k]
	ok, err := conditionHolds(cond, names, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	next := copyItem(current)
	if next == nil {
		next = copyItem(key)
	}
	if err := applyUpdate(next, expr, names, values); err != nil {
		return nil, err
	}
	t.items[k] = next
	return next, nil
}

func (m *DynamoDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	t, err := m.table(params.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	ok, err := conditionHolds(params.ConditionExpression, params.ExpressionAttributeNames, t.items[k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(t.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (t *table) sortedKeys() []string {
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *DynamoDBClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	t, err := m.table(params.TableName)
	if err != nil {
		return nil, err
	}

	keys := t.sortedKeys()
	start := 0
	if params.ExclusiveStartKey != nil {
		after, err := t.keyOf(params.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		start = sort.SearchStrings(keys, after)
		if start < len(keys) && keys[start] == after {
			start++
		}
	}

	out := &dynamodb.ScanOutput{}
	for i := start; i < len(keys); i++ {
		if m.ScanPageSize > 0 && len(out.Items) == m.ScanPageSize {
			out.LastEvaluatedKey = t.keyAttributes(out.Items[len(out.Items)-1])
			break
		}
		out.Items = append(out.Items, copyItem(t.items[keys[i]]))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

// Query supports equality key conditions joined by AND. IndexName is
// accepted and treated as a filter over the whole table.
func (m *DynamoDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	t, err := m.table(params.TableName)
	if err != nil {
		return nil, err
	}

	type clause struct {
		attr  string
		value string
	}
	var clauses []clause
	for _, c := range strings.Split(aws.ToString(params.KeyConditionExpression), " AND ") {
		parts := strings.SplitN(c, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("mock: unsupported key condition %q", c)
		}
		v, ok := params.ExpressionAttributeValues[strings.TrimSpace(parts[1])]
		if !ok {
			return nil, fmt.Errorf("mock: missing value in %q", c)
		}
		clauses = append(clauses, clause{attr: resolveName(parts[0], params.ExpressionAttributeNames), value: attributeToString(v)})
	}

	out := &dynamodb.QueryOutput{}
	for _, k := range t.sortedKeys() {
		it := t.items[k]
		match := true
		for _, c := range clauses {
			if attributeToString(it[c.attr]) != c.value {
				match = false
				break
			}
		}
		if match {
			out.Items = append(out.Items, copyItem(it))
		}
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

// BatchWriteItem applies puts and deletes without conditions.
func (m *DynamoDBClient) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchWrites = append(m.batchWrites, *params)
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	for tableName, requests := range params.RequestItems {
		t, err := m.table(aws.String(tableName))
		if err != nil {
			return nil, err
		}
		for _, req := range requests {
			switch {
			case req.PutRequest != nil:
				k, err := t.keyOf(req.PutRequest.Item)
				if err != nil {
					return nil, err
				}
				t.items[k] = copyItem(req.PutRequest.Item)
			case req.DeleteRequest != nil:
				k, err := t.keyOf(req.DeleteRequest.Key)
				if err != nil {
					return nil, err
				}
				delete(t.items, k)
			}
		}
	}

	return &dynamodb.BatchWriteItemOutput{}, nil
}

// TransactWriteItems checks every condition first and applies the writes
// only when all of them hold, reporting per-item cancellation reasons
// otherwise.
func (m *DynamoDBClient) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = append(m.transactions, *params)
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	cancelled := false
	for i, ti := range params.TransactItems {
		var (
			tableName *string
			key       item
			cond      *string
			names     map[string]string
		)
		switch {
		case ti.Put != nil:
			tableName, cond, names = ti.Put.TableName, ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames
			t, err := m.table(tableName)
			if err != nil {
				return nil, err
			}
			key = t.keyAttributes(ti.Put.Item)
		case ti.Update != nil:
			tableName, key, cond, names = ti.Update.TableName, ti.Update.Key, ti.Update.ConditionExpression, ti.Update.ExpressionAttributeNames
		case ti.Delete != nil:
			tableName, key, cond, names = ti.Delete.TableName, ti.Delete.Key, ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames
		case ti.ConditionCheck != nil:
			tableName, key, cond, names = ti.ConditionCheck.TableName, ti.ConditionCheck.Key, ti.ConditionCheck.ConditionExpression, ti.ConditionCheck.ExpressionAttributeNames
		default:
			return nil, fmt.Errorf("mock: empty transact item %d", i)
		}

		t, err := m.table(tableName)
		if err != nil {
			return nil, err
		}
		k, err := t.keyOf(key)
		if err != nil {
			return nil, err
		}
		ok, err := conditionHolds(cond, names, t.items[k])
		if err != nil {
			return nil, err
		}
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		if !ok {
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed"), Message: aws.String("The conditional request failed")}
			cancelled = true
		}
	}
	if cancelled {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range params.TransactItems {
		switch {
		case ti.Put != nil:
			t, _ := m.table(ti.Put.TableName)
			k, _ := t.keyOf(ti.Put.Item)
			t.items[k] = copyItem(ti.Put.Item)
		case ti.Update != nil:
			t, _ := m.table(ti.Update.TableName)
			if _, err := m.update(t, ti.Update.Key, nil, aws.ToString(ti.Update.UpdateExpression),
				ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues); err != nil {
				return nil, err
			}
		case ti.Delete != nil:
			t, _ := m.table(ti.Delete.TableName)
			k, _ := t.keyOf(ti.Delete.Key)
			delete(t.items, k)
		}
	}

	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// Items returns a snapshot of every item in a table.
func (m *DynamoDBClient) Items(tableName string) []map[string]types.AttributeValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[tableName]
	if !ok {
		return nil
	}
	out := make([]map[string]types.AttributeValue, 0, len(t.items))
	for _, k := range t.sortedKeys() {
		out = append(out, copyItem(t.items[k]))
	}
	return out
}

// PutRaw stores an item directly, bypassing conditions.
func (m *DynamoDBClient) PutRaw(tableName string, it map[string]types.AttributeValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(aws.String(tableName))
	if err != nil {
		return err
	}
	k, err := t.keyOf(it)
	if err != nil {
		return err
	}
	t.items[k] = copyItem(it)
	return nil
}

// Transactions returns the TransactWriteItems requests that were made
func (m *DynamoDBClient) Transactions() []dynamodb.TransactWriteItemsInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dynamodb.TransactWriteItemsInput(nil), m.transactions...)
}

// BatchWrites returns the batch write requests that were made
func (m *DynamoDBClient) BatchWrites() []dynamodb.BatchWriteItemInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dynamodb.BatchWriteItemInput(nil), m.batchWrites...)
}
