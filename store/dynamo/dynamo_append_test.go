package dynamo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/drawcast/store"
)

// fakeDynamo answers the calls AppendStep makes. The first cancelTransactions
// TransactWriteItems calls are cancelled.
type fakeDynamo struct {
	mu                 sync.Mutex
	cancelTransactions int
	counterCalls       int
	putSKs             []string
}

func (f *fakeDynamo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/x-amz-json-1.0")

	switch strings.TrimPrefix(r.Header.Get("X-Amz-Target"), "DynamoDB_20120810.") {
	case "UpdateItem":
		f.counterCalls++
		io.WriteString(w, `{"Attributes":{"LastStep":{"N":"7"}}}`)
	case "Query":
		io.WriteString(w, `{"Items":[],"Count":0,"ScannedCount":0}`)
	case "TransactWriteItems":
		var input struct {
			TransactItems []struct {
				Put *struct {
					Item map[string]map[string]any
				}
			}
		}
		if err := json.Unmarshal(body, &input); err == nil && len(input.TransactItems) > 0 && input.TransactItems[0].Put != nil {
			sk, _ := input.TransactItems[0].Put.Item["SK"]["S"].(string)
			f.putSKs = append(f.putSKs, sk)
		}
		if len(f.putSKs) <= f.cancelTransactions {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"__type":"com.amazonaws.dynamodb.v20120810#TransactionCanceledException","Message":"Transaction cancelled","CancellationReasons":[{"Code":"None"},{"Code":"ConditionalCheckFailed"}]}`)
			return
		}
		io.WriteString(w, `{}`)
	default:
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"__type":"com.amazonaws.dynamodb.v20120810#ValidationException","Message":"unexpected call"}`)
	}
}

func setupFakeDynamo(t *testing.T, cancelTransactions int) (*DynamoDrawingStore, *fakeDynamo) {
	t.Helper()
	fake := &fakeDynamo{cancelTransactions: cancelTransactions}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client := dynamodb.New(dynamodb.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(server.URL),
		Credentials:  credentials.NewStaticCredentialsProvider("dummy", "dummy", ""),
		Retryer:      aws.NopRetryer{},
	})
	return &DynamoDrawingStore{client: client, tableName: "Drawcast"}, fake
}

func TestAppendStep_RetriesCancelledTransactionWithSameNumber(t *testing.T) {
	dynamoStore, fake := setupFakeDynamo(t, 1)

	step, err := dynamoStore.AppendStep(context.Background(), "room", map[string]any{"content": "A"}, "user1")
	require.NoError(t, err)
	assert.Equal(t, 7, step.Step)

	assert.Equal(t, 1, fake.counterCalls)
	assert.Equal(t, []string{"STEP#0000000007", "STEP#0000000007"}, fake.putSKs)
}

func TestAppendStep_GivesUpAfterRepeatedCancellations(t *testing.T) {
	dynamoStore, fake := setupFakeDynamo(t, maxAppendAttempts)

	_, err := dynamoStore.AppendStep(context.Background(), "room", map[string]any{"content": "A"}, "user1")
	assert.ErrorIs(t, err, store.ErrConditionFailed)

	assert.Equal(t, 1, fake.counterCalls)
	assert.Len(t, fake.putSKs, maxAppendAttempts)
}
