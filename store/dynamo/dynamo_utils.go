package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/zlnvch/drawcast/models"
	"github.com/zlnvch/drawcast/store"
)

func newDynamoDBClient(ctx context.Context, devMode bool, dynamodbEndpoint string) (*dynamodb.Client, error) {
	var cfg aws.Config
	var err error

	if devMode {
		// Load config with dummy credentials and region for local/dev
		cfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion("us-east-1"),
			config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("dummy", "dummy", ""),
			),
		)
		if err != nil {
			return nil, err
		}

		// Override endpoint for DynamoDB locally
		return dynamodb.New(dynamodb.Options{
			Credentials:      cfg.Credentials,
			Region:           cfg.Region,
			EndpointResolver: dynamodb.EndpointResolverFromURL(dynamodbEndpoint),
		}), nil
	}

	// Production/Fargate: default config (uses Task Role and AWS endpoints)
	cfg, err = config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	return dynamodb.NewFromConfig(cfg), nil
}

func getTables(client *dynamodb.Client, ctx context.Context) ([]string, error) {
	output, err := client.ListTables(ctx, &dynamodb.ListTablesInput{})
	if err != nil {
		return nil, err
	}

	return output.TableNames, nil
}

// CreateTable creates the drawing table with its user index if it does not
// exist yet. Returns true when the table was created.
func CreateTable(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (bool, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return false, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return false, err
	}
	for _, table := range tables {
		if table == tableName {
			return false, nil
		}
	}

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("UserId"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(userStepsIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("UserId"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeKeysOnly},
			},
		},
	})
	if err != nil {
		return false, fmt.Errorf("create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)}, 2*time.Minute); err != nil {
		return true, fmt.Errorf("wait for table: %w", err)
	}

	return true, nil
}

// getItem retrieves an item of type T from DynamoDB by PK and SK
func getItem[T any](dynamoStore *DynamoDrawingStore, ctx context.Context, pk string, sk string, consistentRead bool) (T, error) {
	var zero T

	key := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}

	resp, err := dynamoStore.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(dynamoStore.tableName),
		Key:            key,
		ConsistentRead: aws.Bool(consistentRead),
	})
	if err != nil {
		return zero, fmt.Errorf("GetItem failed: %w", err)
	}
	if resp.Item == nil {
		return zero, store.ErrItemNotFound
	}

	var item T
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return zero, fmt.Errorf("failed to unmarshal item: %w", err)
	}

	return item, nil
}

// Generic function to ensure any struct with PK and SK exists
func ensureItem[T any](dynamoStore *DynamoDrawingStore, ctx context.Context, item T) (T, bool, error) {
	var zero T

	avMap, err := attributevalue.MarshalMap(item)
	if err != nil {
		return zero, false, fmt.Errorf("marshal error: %w", err)
	}

	if _, ok := avMap["PK"]; !ok {
		return zero, false, errors.New("struct missing PK field")
	}
	if _, ok := avMap["SK"]; !ok {
		return zero, false, errors.New("struct missing SK field")
	}

	// Conditional PutItem: insert only if PK+SK does not exist
	_, err = dynamoStore.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(dynamoStore.tableName),
		Item:                avMap,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})

	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			// Already exists: fetch it
			key := map[string]types.AttributeValue{
				"PK": avMap["PK"],
				"SK": avMap["SK"],
			}
			getResp, err := dynamoStore.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName: aws.String(dynamoStore.tableName),
				Key:       key,
			})
			if err != nil {
				return zero, false, fmt.Errorf("failed to get existing item: %w", err)
			}
			if getResp.Item == nil {
				return zero, false, errors.New("item supposedly exists but GetItem returned nothing")
			}

			var existing T
			if err := attributevalue.UnmarshalMap(getResp.Item, &existing); err != nil {
				return zero, false, fmt.Errorf("failed to unmarshal existing item: %w", err)
			}
			return existing, false, nil
		}
		return zero, false, fmt.Errorf("failed to put item: %w", err)
	}

	return item, true, nil // Newly inserted
}

// itemFilter is a FilterExpression applied after the key condition.
type itemFilter struct {
	expression string
	names      map[string]string
	values     map[string]types.AttributeValue
}

func statusFilter(status models.StepStatus) *itemFilter {
	return &itemFilter{
		expression: "#status = :status",
		// Status is a DynamoDB reserved word
		names: map[string]string{"#status": "Status"},
		values: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
	}
}

func undoneFilter() *itemFilter {
	filter := statusFilter(models.StepUndone)
	filter.expression += " AND Superseded = :superseded"
	filter.values[":superseded"] = &types.AttributeValueMemberBOOL{Value: false}
	return filter
}

// queryItems returns items of type T under pk whose SK starts with skPrefix,
// ordered by SK. A positive limit stops paging once that many items passed
// the filter; DynamoDB applies its own Limit before filtering, so it is only
// used as the page size here.
func queryItems[T any](dynamoStore *DynamoDrawingStore, ctx context.Context, pk string, skPrefix string, filter *itemFilter, scanIndexForward bool, limit int) ([]T, error) {
	results := []T{}

	values := map[string]types.AttributeValue{
		":pk":       &types.AttributeValueMemberS{Value: pk},
		":skPrefix": &types.AttributeValueMemberS{Value: skPrefix},
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(dynamoStore.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ScanIndexForward:       aws.Bool(scanIndexForward),
	}

	if filter != nil {
		input.FilterExpression = aws.String(filter.expression)
		if len(filter.names) > 0 {
			input.ExpressionAttributeNames = filter.names
		}
		for k, v := range filter.values {
			values[k] = v
		}
	}
	input.ExpressionAttributeValues = values

	if limit > 0 {
		input.Limit = aws.Int32(100)
	}

	paginator := dynamodb.NewQueryPaginator(dynamoStore.client, input)

	for paginator.HasMorePages() {
		if limit > 0 && len(results) >= limit {
			break
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}

		var pageItems []T
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &pageItems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal page items: %w", err)
		}

		results = append(results, pageItems...)
	}

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// queryAllByGSI returns the main table PK strings for all items in a GSI with the given PK.
func queryAllByGSI(dynamoStore *DynamoDrawingStore, ctx context.Context, indexName string, pkField string, pkValue string) ([]string, error) {
	var results []string

	input := &dynamodb.QueryInput{
		TableName:              aws.String(dynamoStore.tableName),
		IndexName:              aws.String(indexName),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": pkField,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkValue},
		},
		ProjectionExpression: aws.String("PK"), // Only fetch the PK from the main table
	}

	paginator := dynamodb.NewQueryPaginator(dynamoStore.client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query GSI failed: %w", err)
		}

		for _, item := range page.Items {
			if pkAttr, ok := item["PK"]; ok {
				if pk, ok := pkAttr.(*types.AttributeValueMemberS); ok {
					results = append(results, pk.Value)
				}
			}
		}
	}

	return results, nil
}

// deleteItemWithCondition deletes an item by PK and SK, only if a specified field equals a given value.
// Returns an error if the item does not exist, the condition is not met, or other DB issues occur.
func deleteItemWithCondition(dynamoStore *DynamoDrawingStore, ctx context.Context, pk string, sk string, conditionField string, expectedValue string) error {
	key := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}

	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(dynamoStore.tableName),
		Key:       key,
	}

	// Only set ConditionExpression if a field is specified
	if conditionField != "" {
		input.ConditionExpression = aws.String(fmt.Sprintf("%s = :val", conditionField))
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":val": &types.AttributeValueMemberS{Value: expectedValue},
		}
	}

	_, err := dynamoStore.client.DeleteItem(ctx, input)
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return classifyConditionFailure(dynamoStore, ctx, key)
		}
		return fmt.Errorf("delete failed: %w", err)
	}

	return nil
}

// updateItemWithCondition applies updateExpr to an existing item only when
// conditionExpr holds. A failed condition is reported as ErrItemNotFound or
// ErrConditionFailed depending on whether the item exists.
func updateItemWithCondition(
	dynamoStore *DynamoDrawingStore,
	ctx context.Context,
	pk string,
	sk string,
	updateExpr string,
	conditionExpr string,
	exprAttrNames map[string]string,
	exprAttrValues map[string]types.AttributeValue,
) error {
	key := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(dynamoStore.tableName),
		Key:                       key,
		UpdateExpression:          aws.String(updateExpr),
		ConditionExpression:       aws.String("attribute_exists(PK) AND " + conditionExpr),
		ExpressionAttributeValues: exprAttrValues,
	}
	if len(exprAttrNames) > 0 {
		input.ExpressionAttributeNames = exprAttrNames
	}

	_, err := dynamoStore.client.UpdateItem(ctx, input)
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return classifyConditionFailure(dynamoStore, ctx, key)
		}
		return fmt.Errorf("update failed: %w", err)
	}

	return nil
}

// classifyConditionFailure checks whether a conditional write failed because
// the item is missing or because the condition did not hold.
func classifyConditionFailure(dynamoStore *DynamoDrawingStore, ctx context.Context, key map[string]types.AttributeValue) error {
	getResp, getErr := dynamoStore.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(dynamoStore.tableName),
		Key:       key,
	})
	if getErr != nil {
		return fmt.Errorf("conditional write failed, and GetItem check also failed: %w", getErr)
	}
	if getResp.Item == nil {
		return store.ErrItemNotFound
	}
	return store.ErrConditionFailed
}

// incrementCounter atomically adds count to a numeric field and returns the new value.
// If createIfNotExists is true, creates the item/field with initial value if it doesn't exist (for sessions).
// If createIfNotExists is false, returns error if item doesn't exist (for users - prevents partial records).
func incrementCounter(
	dynamoStore *DynamoDrawingStore,
	ctx context.Context,
	pk string,
	sk string,
	counterField string,
	count int,
	createIfNotExists bool,
) (int, error) {
	key := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}

	var updateExpr string
	exprAttrNames := map[string]string{
		"#c": counterField,
	}
	exprAttrValues := map[string]types.AttributeValue{
		":val": &types.AttributeValueMemberN{Value: strconv.Itoa(count)},
	}
	var conditionExpr *string

	if createIfNotExists {
		updateExpr = "SET #c = if_not_exists(#c, :zero) + :val"
		exprAttrValues[":zero"] = &types.AttributeValueMemberN{Value: "0"}
	} else {
		updateExpr = "SET #c = #c + :val"
		conditionExpr = aws.String("attribute_exists(PK)")
	}

	out, err := dynamoStore.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(dynamoStore.tableName),
		Key:                       key,
		UpdateExpression:          aws.String(updateExpr),
		ExpressionAttributeNames:  exprAttrNames,
		ExpressionAttributeValues: exprAttrValues,
		ConditionExpression:       conditionExpr,
		ReturnValues:              types.ReturnValueUpdatedNew,
	})

	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return 0, fmt.Errorf("PK=%s, SK=%s, field=%s: %w", pk, sk, counterField, store.ErrItemNotFound)
		}
		return 0, fmt.Errorf("increment counter failed: %w", err)
	}

	attr, ok := out.Attributes[counterField].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("increment counter: missing %s in response", counterField)
	}
	value, err := strconv.Atoi(attr.Value)
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}

	return value, nil
}

// A transaction holds at most 100 actions
const maxTransactItems = 100

// putStepSupersedingUndone writes a new step and flags the given undone steps
// as superseded. Everything fits in one transaction unless there are more
// than 99 pending steps; the overflow is flagged beforehand.
func putStepSupersedingUndone(dynamoStore *DynamoDrawingStore, ctx context.Context, step dynamoStep, pending []dynamoStep) error {
	now := &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().UnixMilli(), 10)}
	supersedeNames := map[string]string{"#status": "Status"}
	supersedeValues := func() map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			":true":   &types.AttributeValueMemberBOOL{Value: true},
			":undone": &types.AttributeValueMemberS{Value: string(models.StepUndone)},
			":now":    now,
		}
	}

	for len(pending) > maxTransactItems-1 {
		p := pending[0]
		pending = pending[1:]
		err := updateItemWithCondition(dynamoStore, ctx, p.PK, p.SK,
			"SET Superseded = :true, UpdatedAt = :now", "#status = :undone", supersedeNames, supersedeValues())
		if err != nil && !errors.Is(err, store.ErrConditionFailed) {
			return fmt.Errorf("supersede step %d: %w", p.Step, err)
		}
	}

	item, err := attributevalue.MarshalMap(step)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	transactItems := make([]types.TransactWriteItem, 0, len(pending)+1)
	transactItems = append(transactItems, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(dynamoStore.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		},
	})
	for _, p := range pending {
		transactItems = append(transactItems, types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(dynamoStore.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: p.PK},
					"SK": &types.AttributeValueMemberS{Value: p.SK},
				},
				UpdateExpression:          aws.String("SET Superseded = :true, UpdatedAt = :now"),
				ConditionExpression:       aws.String("#status = :undone"),
				ExpressionAttributeNames:  supersedeNames,
				ExpressionAttributeValues: supersedeValues(),
			},
		})
	}

	_, err = dynamoStore.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return fmt.Errorf("put step %d: %w", step.Step, store.ErrConditionFailed)
		}
		return fmt.Errorf("put step %d: %w", step.Step, err)
	}

	return nil
}

// removeAttributeByGSIThrottled removes the GSI key attribute from every item
// indexed under gsiPK, which also drops the items from the sparse index.
// Returns how many items were updated.
func removeAttributeByGSIThrottled(
	dynamoStore *DynamoDrawingStore,
	ctx context.Context,
	indexName, gsiPKField, gsiPK string,
	throttle time.Duration,
) (int, error) {
	var lastEvaluatedKey map[string]types.AttributeValue
	updated := 0

	const queryPageSize int32 = 200
	const throttleEvery = 25

	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(dynamoStore.tableName),
			IndexName:              aws.String(indexName),
			KeyConditionExpression: aws.String("#pk = :gsiPK"),
			ExpressionAttributeNames: map[string]string{
				"#pk": gsiPKField,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":gsiPK": &types.AttributeValueMemberS{Value: gsiPK},
			},
			Limit:             aws.Int32(queryPageSize),
			ExclusiveStartKey: lastEvaluatedKey,
		}

		resp, err := dynamoStore.client.Query(ctx, input)
		if err != nil {
			return updated, fmt.Errorf("query GSI failed: %w", err)
		}

		startTime := time.Now()
		for i, item := range resp.Items {
			pkAttr, okPK := item["PK"].(*types.AttributeValueMemberS)
			skAttr, okSK := item["SK"].(*types.AttributeValueMemberS)
			if !okPK || !okSK {
				continue
			}

			err := updateItemWithCondition(dynamoStore, ctx, pkAttr.Value, skAttr.Value,
				"REMOVE #f", "#f = :val",
				map[string]string{"#f": gsiPKField},
				map[string]types.AttributeValue{":val": &types.AttributeValueMemberS{Value: gsiPK}},
			)
			if err != nil {
				if errors.Is(err, store.ErrConditionFailed) || errors.Is(err, store.ErrItemNotFound) {
					continue
				}
				return updated, fmt.Errorf("remove %s: %w", gsiPKField, err)
			}
			updated++

			if (i+1)%throttleEvery == 0 {
				elapsed := time.Since(startTime)
				if elapsed < throttle {
					select {
					case <-ctx.Done():
						return updated, ctx.Err()
					case <-time.After(throttle - elapsed):
					}
				}
				startTime = time.Now()
			}
		}

		lastEvaluatedKey = resp.LastEvaluatedKey
		if lastEvaluatedKey == nil {
			break
		}
	}

	return updated, nil
}
