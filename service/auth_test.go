package service_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"golang.org/x/oauth2"

	"github.com/zlnvch/drawcast/models"
	"github.com/zlnvch/drawcast/service"
	"github.com/zlnvch/drawcast/store"
)

func TestCreateAndVerifyJWT(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	id := "user123"
	provider := "google"
	providerId := "p123"

	// 1. Create
	token, err := svc.CreateJWT(id, provider, providerId)
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	// 2. Verify
	gotId, gotProvider, gotProviderId, expiry, err := svc.VerifyJWT(token)
	assert.NoError(t, err)
	assert.Equal(t, id, gotId)
	assert.Equal(t, provider, gotProvider)
	assert.Equal(t, providerId, gotProviderId)
	assert.True(t, expiry.After(time.Now()))
}

func TestVerifyJWT_Invalid(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	_, _, _, _, err := svc.VerifyJWT("invalid.token.string")
	assert.Error(t, err)
}

func TestVerifyJWT_WrongSecret(t *testing.T) {
	svc, _, _, _, _ := setupService(t)
	token, err := svc.CreateJWT("u1", "github", "1")
	assert.NoError(t, err)

	other, _, _, _, _ := setupService(t)
	other.JWTSecret = []byte("another-secret")

	_, _, _, _, err = other.VerifyJWT(token)
	assert.Error(t, err)
}

func TestAuthenticateToken_Success(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	user := models.User{
		Id:         "user1",
		Provider:   "github",
		ProviderId: "gh123",
		Name:       "testuser",
	}
	token, _ := svc.CreateJWT(user.Id, user.Provider, user.ProviderId)

	mockStore.On("GetUser", ctx, user.Provider, user.ProviderId).Return(user, nil)

	gotUser, err := svc.AuthenticateToken(ctx, token)
	assert.NoError(t, err)
	assert.Equal(t, user.Id, gotUser.Id)
	assert.Equal(t, user.Name, gotUser.Name)
}

func TestAuthenticateToken_UserNotFound(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	user := models.User{Id: "u1", Provider: "p", ProviderId: "pid"}
	token, _ := svc.CreateJWT(user.Id, user.Provider, user.ProviderId)

	mockStore.On("GetUser", ctx, user.Provider, user.ProviderId).Return(models.User{}, store.ErrItemNotFound)

	_, err := svc.AuthenticateToken(ctx, token)
	assert.ErrorIs(t, err, service.ErrUnauthenticated)
}

func TestAuthenticateToken_StoreError(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	token, _ := svc.CreateJWT("u1", "p", "pid")
	mockStore.On("GetUser", ctx, "p", "pid").Return(models.User{}, assert.AnError)

	_, err := svc.AuthenticateToken(ctx, token)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NotErrorIs(t, err, service.ErrUnauthenticated)
}

func TestAuthenticateToken_EmptyToken(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	_, err := svc.AuthenticateToken(context.Background(), "")
	assert.ErrorIs(t, err, service.ErrUnauthenticated)
	assert.Contains(t, err.Error(), "token not provided")
}

func TestHandleOauth_UnsupportedProvider(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	_, err := svc.HandleOauth(context.Background(), "unsupported", "code")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider")
}

func TestHandleOauth_TokenExchangeFails(t *testing.T) {
	// Create a test server that returns an error
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "invalid_code",
		})
	}))
	defer server.Close()

	oauthConfigs := map[string]*oauth2.Config{
		"github": {
			Endpoint: oauth2.Endpoint{
				AuthURL:  server.URL + "/auth",
				TokenURL: server.URL + "/token",
			},
			RedirectURL: "http://localhost/callback",
		},
	}

	svc, _, _, _, _ := setupService(t)
	svc.OAuthConfigs = oauthConfigs

	_, err := svc.HandleOauth(context.Background(), "github", "invalid_code")
	assert.Error(t, err)
}

func TestNewService_RejectsUnknownProvider(t *testing.T) {
	_, err := service.NewService(nil, nil, nil, nil, nil, map[string]*oauth2.Config{"myspace": {}}, []byte("s"), nil)
	assert.Error(t, err)
}

func TestVerifyJWT_InvalidSigningMethod(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	// A "none" algorithm token must not bypass signature verification
	header := map[string]string{
		"alg": "none",
		"typ": "JWT",
	}
	payload := map[string]any{
		"id":         "attacker_user",
		"provider":   "github",
		"providerId": "attacker_123",
		"exp":        time.Now().Add(24 * time.Hour).Unix(),
		"iat":        time.Now().Unix(),
	}

	headerBytes, _ := json.Marshal(header)
	payloadBytes, _ := json.Marshal(payload)

	enc := base64.RawURLEncoding
	noneToken := enc.EncodeToString(headerBytes) + "." + enc.EncodeToString(payloadBytes) + "."

	_, _, _, _, err := svc.VerifyJWT(noneToken)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "signing method none is invalid")
}

func TestDeleteUser_Success(t *testing.T) {
	svc, mockStore, mockCache, mockMQ, _ := setupService(t)
	ctx := context.Background()

	user := models.User{
		Id:         "user1",
		Provider:   "google",
		ProviderId: "123",
	}

	mockStore.On("DeleteUser", ctx, user.Provider, user.ProviderId).Return(nil)

	publishDone := wrapMockWithSignal(mockCache.On("Publish", mock.Anything, "user-deleted", mock.MatchedBy(func(msg []byte) bool {
		return string(msg) == `{"userId":"user1"}`
	})).Return(nil))

	mqSendDone := wrapMockWithSignal(mockMQ.On("Send", mock.Anything, mock.MatchedBy(func(body string) bool {
		return strings.Contains(body, `"userId":"user1"`) && strings.Contains(body, `"type":"anonymize_user_steps"`)
	})).Return(nil))

	err := svc.DeleteUser(ctx, user)
	assert.NoError(t, err)

	select {
	case <-publishDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for Publish")
	}

	select {
	case <-mqSendDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for MQ Send")
	}
}

func TestDeleteUser_WithoutQueueAnonymizesInline(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	svc.MQ = nil
	ctx := context.Background()

	user := models.User{Id: "user1", Provider: "google", ProviderId: "123"}

	mockStore.On("DeleteUser", ctx, user.Provider, user.ProviderId).Return(nil)
	mockCache.On("Publish", mock.Anything, "user-deleted", mock.Anything).Return(nil)
	mockStore.On("GetUserSessions", mock.Anything, "user1").Return([]string{"s1"}, nil)
	mockStore.On("AnonymizeUserSteps", mock.Anything, "user1").Return(3, nil)
	invalidated := wrapMockWithSignal(mockCache.On("InvalidateSessions", mock.Anything, []string{"s1"}).Return(nil))

	assert.NoError(t, svc.DeleteUser(ctx, user))

	select {
	case <-invalidated:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for anonymization")
	}
}

func TestDeleteUser_StoreFails(t *testing.T) {
	svc, mockStore, mockCache, mockMQ, _ := setupService(t)
	ctx := context.Background()

	user := models.User{Id: "user1", Provider: "google", ProviderId: "123"}
	mockStore.On("DeleteUser", ctx, user.Provider, user.ProviderId).Return(errors.New("boom"))

	assert.Error(t, svc.DeleteUser(ctx, user))
	mockCache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	mockMQ.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestDeleteUser_AsyncFailuresDoNotFail(t *testing.T) {
	svc, mockStore, mockCache, mockMQ, _ := setupService(t)
	ctx := context.Background()

	user := models.User{Id: "user1", Provider: "google", ProviderId: "123"}

	mockStore.On("DeleteUser", ctx, user.Provider, user.ProviderId).Return(nil)
	mockCache.On("Publish", mock.Anything, "user-deleted", mock.Anything).Return(errors.New("pubsub failed"))
	sent := wrapMockWithSignal(mockMQ.On("Send", mock.Anything, mock.Anything).Return(errors.New("mq failed")))

	assert.NoError(t, svc.DeleteUser(ctx, user))

	select {
	case <-sent:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for MQ Send")
	}
}
