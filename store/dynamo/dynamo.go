package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gofrs/uuid/v5"

	"github.com/zlnvch/drawcast/models"
	"github.com/zlnvch/drawcast/store"
)

const userStepsIndex = "GSI_UserSteps"

type DynamoDrawingStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDrawingStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoDrawingStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}

	foundTable := false
	for _, table := range tables {
		if table == tableName {
			foundTable = true
			break
		}
	}
	if !foundTable {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoDrawingStore{client: client, tableName: tableName}, nil
}

func (dynamoStore *DynamoDrawingStore) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	userId, err := uuid.NewV4()
	if err != nil {
		return models.User{}, err
	}
	user.Id = userId.String()

	du := userToDynamo(user)
	du.Created = time.Now().Unix()
	du.StepCount = 0
	du, _, err = ensureItem(dynamoStore, ctx, du)
	if err != nil {
		return models.User{}, err
	}

	return userFromDynamo(du), nil
}

func (dynamoStore *DynamoDrawingStore) GetUser(ctx context.Context, provider string, providerId string) (models.User, error) {
	du, err := getItem[dynamoUser](dynamoStore, ctx, userPK(provider, providerId), profileSK, false)
	if err != nil {
		return models.User{}, err
	}

	return userFromDynamo(du), nil
}

func (dynamoStore *DynamoDrawingStore) DeleteUser(ctx context.Context, provider string, providerId string) error {
	return deleteItemWithCondition(dynamoStore, ctx, userPK(provider, providerId), profileSK, "", "")
}

func (dynamoStore *DynamoDrawingStore) IncrementUserStepCount(ctx context.Context, provider string, providerId string, count int) error {
	// Strict mode: only increment if user exists (prevents partial records after delete)
	_, err := incrementCounter(dynamoStore, ctx, userPK(provider, providerId), profileSK, "StepCount", count, false)
	return err
}

// AppendStep takes the next number from the session counter, then writes the
// step and supersedes the pending undone steps in one transaction.
func (dynamoStore *DynamoDrawingStore) AppendStep(ctx context.Context, sessionId string, content map[string]any, userId string) (models.DrawingStep, error) {
	stepId, err := uuid.NewV7()
	if err != nil {
		return models.DrawingStep{}, err
	}

	stepNumber, err := incrementCounter(dynamoStore, ctx, sessionPK(sessionId), counterSK, "LastStep", 1, true)
	if err != nil {
		return models.DrawingStep{}, fmt.Errorf("append step: %w", err)
	}

	if content == nil {
		content = map[string]any{}
	}
	step := models.DrawingStep{
		Id:        stepId.String(),
		SessionId: sessionId,
		Step:      stepNumber,
		Content:   content,
		Status:    models.StepActive,
		UserId:    userId,
		Timestamp: time.UnixMilli(time.Now().UnixMilli()).UTC(),
	}

	ds, err := stepToDynamo(step)
	if err != nil {
		return models.DrawingStep{}, fmt.Errorf("append step: %w", err)
	}

	// A cancelled transaction means an undone step changed status meanwhile.
	// Retry with the same number so the session keeps no gap.
	for attempt := 1; ; attempt++ {
		pending, err := queryItems[dynamoStep](dynamoStore, ctx, sessionPK(sessionId), stepSKPrefix, undoneFilter(), true, 0)
		if err != nil {
			return models.DrawingStep{}, fmt.Errorf("append step: query undone: %w", err)
		}

		err = putStepSupersedingUndone(dynamoStore, ctx, ds, pending)
		if err == nil {
			return step, nil
		}
		if !errors.Is(err, store.ErrConditionFailed) || attempt == maxAppendAttempts {
			return models.DrawingStep{}, fmt.Errorf("append step: %w", err)
		}
	}
}

const maxAppendAttempts = 3

func (dynamoStore *DynamoDrawingStore) ListActiveSteps(ctx context.Context, sessionId string) ([]models.DrawingStep, error) {
	items, err := queryItems[dynamoStep](dynamoStore, ctx, sessionPK(sessionId), stepSKPrefix, statusFilter(models.StepActive), true, 0)
	if err != nil {
		return nil, fmt.Errorf("list active steps: %w", err)
	}
	return stepsFromDynamo(items)
}

func (dynamoStore *DynamoDrawingStore) LatestActiveStep(ctx context.Context, sessionId string) (models.DrawingStep, error) {
	return dynamoStore.firstStep(ctx, sessionId, statusFilter(models.StepActive), false)
}

func (dynamoStore *DynamoDrawingStore) EarliestUndoneStep(ctx context.Context, sessionId string) (models.DrawingStep, error) {
	return dynamoStore.firstStep(ctx, sessionId, undoneFilter(), true)
}

func (dynamoStore *DynamoDrawingStore) firstStep(ctx context.Context, sessionId string, filter *itemFilter, scanIndexForward bool) (models.DrawingStep, error) {
	items, err := queryItems[dynamoStep](dynamoStore, ctx, sessionPK(sessionId), stepSKPrefix, filter, scanIndexForward, 1)
	if err != nil {
		return models.DrawingStep{}, err
	}
	if len(items) == 0 {
		return models.DrawingStep{}, store.ErrItemNotFound
	}
	return stepFromDynamo(items[0])
}

func (dynamoStore *DynamoDrawingStore) SetStepStatus(ctx context.Context, step models.DrawingStep, status models.StepStatus) error {
	if !status.Valid() {
		return fmt.Errorf("set step status: invalid status %q", status)
	}

	condition := "#status = :from AND Id = :id"
	values := map[string]types.AttributeValue{
		":to":   &types.AttributeValueMemberS{Value: string(status)},
		":from": &types.AttributeValueMemberS{Value: string(step.Status)},
		":id":   &types.AttributeValueMemberS{Value: step.Id},
		":now":  &types.AttributeValueMemberN{Value: fmt.Sprint(time.Now().UnixMilli())},
	}
	if status == models.StepActive {
		condition += " AND Superseded = :false"
		values[":false"] = &types.AttributeValueMemberBOOL{Value: false}
	}

	return updateItemWithCondition(dynamoStore, ctx, sessionPK(step.SessionId), stepSK(step.Step),
		"SET #status = :to, UpdatedAt = :now",
		condition,
		map[string]string{"#status": "Status"},
		values,
	)
}

func (dynamoStore *DynamoDrawingStore) GetUserSessions(ctx context.Context, userId string) ([]string, error) {
	results, err := queryAllByGSI(dynamoStore, ctx, userStepsIndex, "UserId", userId)
	if err != nil {
		return nil, err
	}

	uniqueSessions := make(map[string]struct{})
	for _, pk := range results {
		if sessionId, ok := strings.CutPrefix(pk, sessionPKPrefix); ok {
			uniqueSessions[sessionId] = struct{}{}
		}
	}

	sessions := make([]string, 0, len(uniqueSessions))
	for s := range uniqueSessions {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)

	return sessions, nil
}

func (dynamoStore *DynamoDrawingStore) AnonymizeUserSteps(ctx context.Context, userId string) (int, error) {
	return removeAttributeByGSIThrottled(dynamoStore, ctx, userStepsIndex, "UserId", userId, time.Duration(50*time.Millisecond))
}
