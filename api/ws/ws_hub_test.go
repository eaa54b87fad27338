package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/drawcast/models"
	"github.com/zlnvch/drawcast/service"
)

type fakeSubscriber struct {
	mu          sync.Mutex
	handlers    map[string]func(models.Envelope)
	contexts    map[string]context.Context
	userDeleted func(string)
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		handlers: make(map[string]func(models.Envelope)),
		contexts: make(map[string]context.Context),
	}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, sessionId string, handler func(models.Envelope)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[sessionId] = handler
	f.contexts[sessionId] = ctx
	return nil
}

func (f *fakeSubscriber) SubscribeUserDeleted(ctx context.Context, handler func(userId string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userDeleted = handler
	return nil
}

func (f *fakeSubscriber) handler(sessionId string) func(models.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[sessionId]
}

func (f *fakeSubscriber) context(sessionId string) context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contexts[sessionId]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(hub *Hub, userId string, socketId string) *Client {
	return NewClient(hub, nil, models.User{Id: userId, Name: userId}, socketId, nil, discardLogger())
}

func drawingEnvelope(sessionId string, event string, exclude string) models.Envelope {
	return models.Envelope{
		Event:           event,
		SessionId:       sessionId,
		ExcludeSocketId: exclude,
		Payload:         json.RawMessage(`{"type":"draw","data":{"step":1},"userId":null}`),
	}
}

type frame struct {
	Type      string          `json:"type"`
	SessionId string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

const probeEvent = "probe"

// nextFrame returns the next non-probe frame the client received.
func nextFrame(t *testing.T, c *Client) frame {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-c.Send:
			var f frame
			require.NoError(t, json.Unmarshal(msg, &f))
			if f.Type == probeEvent {
				continue
			}
			return f
		case <-deadline:
			require.FailNow(t, "timed out waiting for frame", "socket %s", c.socketId)
		}
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	for {
		select {
		case msg := <-c.Send:
			var f frame
			require.NoError(t, json.Unmarshal(msg, &f))
			assert.Equal(t, probeEvent, f.Type, "unexpected frame for socket %s: %s", c.socketId, msg)
		default:
			return
		}
	}
}

// waitSubscribed pushes probe envelopes until the client sees one, which
// means the hub has processed its subscription.
func waitSubscribed(t *testing.T, sub *fakeSubscriber, sessionId string, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		handler := sub.handler(sessionId)
		if handler == nil {
			return false
		}
		handler(drawingEnvelope(sessionId, probeEvent, ""))
		select {
		case <-c.Send:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestHub_ExcludesOriginatingSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := newFakeSubscriber()
	hub := NewHub(sub, discardLogger())
	go hub.Run(ctx)

	originator := newTestClient(hub, "alice", "sock-a")
	other := newTestClient(hub, "bob", "sock-b")
	hub.OpenCh <- originator
	hub.OpenCh <- other
	hub.SubscribeCh <- subscription{client: originator, sessionId: "room"}
	hub.SubscribeCh <- subscription{client: other, sessionId: "room"}

	waitSubscribed(t, sub, "room", originator)
	waitSubscribed(t, sub, "room", other)

	sub.handler("room")(drawingEnvelope("room", models.EventDrawing, "sock-a"))

	got := nextFrame(t, other)
	assert.Equal(t, models.EventDrawing, got.Type)
	assert.Equal(t, "room", got.SessionId)
	assert.JSONEq(t, `{"type":"draw","data":{"step":1},"userId":null}`, string(got.Data))

	assertNoFrame(t, originator)
}

func TestHub_NoExclusionReachesEveryone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := newFakeSubscriber()
	hub := NewHub(sub, discardLogger())
	go hub.Run(ctx)

	a := newTestClient(hub, "alice", "sock-a")
	b := newTestClient(hub, "alice", "sock-b")
	hub.OpenCh <- a
	hub.OpenCh <- b
	hub.SubscribeCh <- subscription{client: a, sessionId: "room"}
	hub.SubscribeCh <- subscription{client: b, sessionId: "room"}
	waitSubscribed(t, sub, "room", a)
	waitSubscribed(t, sub, "room", b)

	sub.handler("room")(drawingEnvelope("room", models.EventDrawing, ""))

	assert.Equal(t, models.EventDrawing, nextFrame(t, a).Type)
	assert.Equal(t, models.EventDrawing, nextFrame(t, b).Type)
}

func TestHub_Deliver(t *testing.T) {
	hub := NewHub(newFakeSubscriber(), discardLogger())

	inRoom := newTestClient(hub, "alice", "sock-a")
	elsewhere := newTestClient(hub, "bob", "sock-b")
	hub.sessionToClients["room"] = map[*Client]struct{}{inRoom: {}}
	hub.sessionToClients["lobby"] = map[*Client]struct{}{elsewhere: {}}

	hub.deliver(drawingEnvelope("room", models.EventDrawing, ""))

	assert.Len(t, inRoom.Send, 1)
	assert.Len(t, elsewhere.Send, 0)
}

func TestHub_Deliver_SkipsMembersOwnPresence(t *testing.T) {
	hub := NewHub(newFakeSubscriber(), discardLogger())

	alice := newTestClient(hub, "alice", "sock-a")
	bob := newTestClient(hub, "bob", "sock-b")
	hub.sessionToClients["room"] = map[*Client]struct{}{alice: {}, bob: {}}

	payload, err := json.Marshal(models.Member{Id: "alice", Name: "Alice", Email: "alice@example.com"})
	require.NoError(t, err)
	hub.deliver(models.Envelope{Event: models.EventMemberAdded, SessionId: "room", Payload: payload})

	assert.Len(t, alice.Send, 0)
	require.Len(t, bob.Send, 1)

	var got frame
	require.NoError(t, json.Unmarshal(<-bob.Send, &got))
	assert.Equal(t, models.EventMemberAdded, got.Type)
	assert.JSONEq(t, `{"id":"alice","name":"Alice","email":"alice@example.com"}`, string(got.Data))
}

func TestHub_LastClientEndsSessionSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := newFakeSubscriber()
	hub := NewHub(sub, discardLogger())
	go hub.Run(ctx)

	a := newTestClient(hub, "alice", "sock-a")
	hub.OpenCh <- a
	hub.SubscribeCh <- subscription{client: a, sessionId: "room"}
	waitSubscribed(t, sub, "room", a)

	subCtx := sub.context("room")
	require.NoError(t, subCtx.Err())

	hub.SubscribeCh <- subscription{client: a, sessionId: "room", leave: true}

	select {
	case <-subCtx.Done():
	case <-time.After(time.Second):
		assert.Fail(t, "session subscription was not ended")
	}
}

func TestHub_UserDeletedClosesConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := newFakeSubscriber()
	hub := NewHub(sub, discardLogger())
	require.NoError(t, hub.InitSubscriptions(ctx))
	go hub.Run(ctx)

	doomed := newTestClient(hub, "alice", "sock-a")
	survivor := newTestClient(hub, "bob", "sock-b")
	hub.OpenCh <- doomed
	hub.OpenCh <- survivor

	require.Eventually(t, func() bool {
		sub.userDeleted("alice")
		time.Sleep(10 * time.Millisecond)
		return doomed.isClosed()
	}, time.Second, 10*time.Millisecond)

	assert.False(t, survivor.isClosed())
}

func TestHub_MaxConnectionsPerUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(newFakeSubscriber(), discardLogger())
	go hub.Run(ctx)

	clients := make([]*Client, 0, maxConnectionsPerUser+1)
	for i := 0; i <= maxConnectionsPerUser; i++ {
		c := newTestClient(hub, "alice", fmt.Sprintf("sock-%d", i))
		clients = append(clients, c)
		hub.OpenCh <- c
	}

	extra := clients[maxConnectionsPerUser]
	require.Eventually(t, extra.isClosed, time.Second, 10*time.Millisecond)
	for _, c := range clients[:maxConnectionsPerUser] {
		assert.False(t, c.isClosed())
	}
}

func TestClient_TrySendDropsWhenFull(t *testing.T) {
	c := newTestClient(nil, "alice", "sock-a")
	for i := 0; i < sendBufferSize; i++ {
		require.True(t, c.trySend([]byte("x")))
	}
	assert.False(t, c.trySend([]byte("x")))

	c.Close()
	c.Close()
	assert.True(t, c.isClosed())
}

func TestClientError(t *testing.T) {
	assert.Equal(t, "The sessionId field is required.", clientError(&service.ValidationError{Field: "sessionId", Message: "The sessionId field is required."}))
	assert.Equal(t, "No steps to undo", clientError(service.ErrNothingToUndo))
	assert.Equal(t, "No steps to redo", clientError(fmt.Errorf("wrapped: %w", service.ErrNothingToRedo)))
	assert.Equal(t, "internal error", clientError(fmt.Errorf("dynamodb exploded")))
}

func TestHub_RefusesSubscriptionsOverLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := newFakeSubscriber()
	hub := NewHub(sub, discardLogger())
	go hub.Run(ctx)

	a := newTestClient(hub, "alice", "sock-a")
	require.True(t, hub.open(a))
	for i := 0; i < maxSubscriptionsPerConnection; i++ {
		require.NoError(t, hub.subscribe(ctx, a, fmt.Sprintf("s%d", i)))
	}
	// Subscribing twice to the same session is not a new subscription
	require.NoError(t, hub.subscribe(ctx, a, "s0"))

	err := hub.subscribe(ctx, a, "s50")
	assert.ErrorIs(t, err, errTooManySubscriptions)
	assert.Equal(t, "too many subscriptions", clientError(err))
	assert.Nil(t, sub.handler("s50"))
}

func TestHub_StoppedHubDoesNotBlockCallers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	hub := NewHub(newFakeSubscriber(), discardLogger())
	go hub.Run(ctx)
	cancel()
	<-hub.stopped

	a := newTestClient(hub, "alice", "sock-a")
	assert.False(t, hub.open(a))
	assert.ErrorIs(t, hub.subscribe(context.Background(), a, "room"), errHubStopped)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < cap(hub.CloseCh)+10; i++ {
			hub.close(a)
		}
		for i := 0; i < cap(hub.SubscribeCh)+10; i++ {
			hub.unsubscribe(a, "room")
		}
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		assert.Fail(t, "hub calls blocked after shutdown")
	}
}
