package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/zlnvch/drawcast/broadcast"
	"github.com/zlnvch/drawcast/models"
)

// Subscriber is the part of the broadcast gateway the hub listens on.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionId string, handler func(models.Envelope)) error
	SubscribeUserDeleted(ctx context.Context, handler func(userId string)) error
}

var (
	errHubStopped           = errors.New("hub stopped")
	errClientClosed         = errors.New("connection closed")
	errTooManySubscriptions = errors.New("too many subscriptions")
)

type subscription struct {
	client    *Client
	sessionId string
	// leave is set for unsubscribes. Both travel on one channel so they are
	// applied in the order the client sent them.
	leave bool
	// result, when set, receives the outcome once the hub has applied the
	// change. It must have room for one value.
	result chan error
}

// Hub maintains the set of active clients and delivers session events to
// the clients subscribed to each session. One gateway subscription exists
// per session with at least one local client.
type Hub struct {
	subscriber             Subscriber
	logger                 *slog.Logger
	OpenCh                 chan *Client
	CloseCh                chan *Client
	SubscribeCh            chan subscription
	UserDeletedCh          chan string
	BroadcastCh            chan models.Envelope
	userToClients          map[string]map[*Client]struct{}
	sessionToClients       map[string]map[*Client]struct{}
	sessionToSubscriberEnd map[string]context.CancelFunc
	// stopped is closed when Run returns.
	stopped chan struct{}
}

func NewHub(subscriber Subscriber, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscriber:             subscriber,
		logger:                 logger.With("component", "ws_hub"),
		OpenCh:                 make(chan *Client, 256),
		CloseCh:                make(chan *Client, 256),
		SubscribeCh:            make(chan subscription, 1024),
		UserDeletedCh:          make(chan string, 64),
		BroadcastCh:            make(chan models.Envelope, 1024),
		userToClients:          make(map[string]map[*Client]struct{}),
		sessionToClients:       make(map[string]map[*Client]struct{}),
		sessionToSubscriberEnd: make(map[string]context.CancelFunc),
		stopped:                make(chan struct{}),
	}
}

const (
	maxConnectionsPerUser         = 10
	maxSubscriptionsPerConnection = 50
)

// Run owns all hub state. It returns once ctx is done, after ending every
// session subscription.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.stopped)
		for sessionId, cancel := range h.sessionToSubscriberEnd {
			cancel()
			delete(h.sessionToSubscriberEnd, sessionId)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.OpenCh:
			if client.isClosed() {
				continue
			}
			if _, ok := h.userToClients[client.user.Id]; !ok {
				h.userToClients[client.user.Id] = make(map[*Client]struct{})
			}

			if len(h.userToClients[client.user.Id]) >= maxConnectionsPerUser {
				h.logger.Warn("user reached max connections", "userId", client.user.Id, "max", maxConnectionsPerUser)
				client.Close()
				continue
			}

			h.userToClients[client.user.Id][client] = struct{}{}

		case client := <-h.CloseCh:
			for sessionId := range client.sessions {
				h.removeFromSession(client, sessionId)
			}
			delete(h.userToClients[client.user.Id], client)
			if len(h.userToClients[client.user.Id]) == 0 {
				delete(h.userToClients, client.user.Id)
			}

		case sub := <-h.SubscribeCh:
			err := h.applySubscription(ctx, sub)
			if sub.result != nil {
				sub.result <- err
			}

		case envelope := <-h.BroadcastCh:
			h.deliver(envelope)

		case userId := <-h.UserDeletedCh:
			// Clients leave the maps once their read pump reports the close
			for client := range h.userToClients[userId] {
				client.Close()
			}
		}
	}
}

func (h *Hub) applySubscription(ctx context.Context, sub subscription) error {
	if sub.leave {
		h.removeFromSession(sub.client, sub.sessionId)
		return nil
	}
	if sub.client.isClosed() {
		return errClientClosed
	}
	if _, ok := sub.client.sessions[sub.sessionId]; ok {
		return nil
	}
	if len(sub.client.sessions) >= maxSubscriptionsPerConnection {
		h.logger.Warn("connection reached max subscriptions", "socketId", sub.client.socketId, "max", maxSubscriptionsPerConnection)
		return errTooManySubscriptions
	}
	if h.sessionToClients[sub.sessionId] == nil {
		if err := h.subscribeSession(ctx, sub.sessionId); err != nil {
			h.logger.Error("failed to subscribe to session", "sessionId", sub.sessionId, "error", err)
			return err
		}
		h.sessionToClients[sub.sessionId] = make(map[*Client]struct{})
	}
	h.sessionToClients[sub.sessionId][sub.client] = struct{}{}
	sub.client.sessions[sub.sessionId] = struct{}{}
	return nil
}

// open registers a client. It reports false once the hub has stopped.
func (h *Hub) open(client *Client) bool {
	if h.isStopped() {
		return false
	}
	select {
	case h.OpenCh <- client:
		return true
	case <-h.stopped:
		return false
	}
}

// close drops a client and all its session subscriptions.
func (h *Hub) close(client *Client) {
	select {
	case h.CloseCh <- client:
	case <-h.stopped:
	}
}

// subscribe adds the client to the session and waits until events for the
// session reach it.
func (h *Hub) subscribe(ctx context.Context, client *Client, sessionId string) error {
	if h.isStopped() {
		return errHubStopped
	}
	result := make(chan error, 1)
	select {
	case h.SubscribeCh <- subscription{client: client, sessionId: sessionId, result: result}:
	case <-h.stopped:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-h.stopped:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) isStopped() bool {
	select {
	case <-h.stopped:
		return true
	default:
		return false
	}
}

func (h *Hub) unsubscribe(client *Client, sessionId string) {
	select {
	case h.SubscribeCh <- subscription{client: client, sessionId: sessionId, leave: true}:
	case <-h.stopped:
	}
}

func (h *Hub) subscribeSession(ctx context.Context, sessionId string) error {
	h.logger.Debug("creating session subscriber", "sessionId", sessionId)

	subCtx, cancel := context.WithCancel(ctx)
	err := h.subscriber.Subscribe(subCtx, sessionId, func(envelope models.Envelope) {
		select {
		case h.BroadcastCh <- envelope:
		case <-subCtx.Done():
		}
	})
	if err != nil {
		cancel()
		return err
	}

	h.sessionToSubscriberEnd[sessionId] = cancel
	return nil
}

func (h *Hub) removeFromSession(client *Client, sessionId string) {
	delete(h.sessionToClients[sessionId], client)
	delete(client.sessions, sessionId)
	if len(h.sessionToClients[sessionId]) == 0 {
		if cancel, ok := h.sessionToSubscriberEnd[sessionId]; ok {
			cancel()
			delete(h.sessionToSubscriberEnd, sessionId)
		}
		delete(h.sessionToClients, sessionId)
	}
}

// deliver fans an envelope out to the session's local clients. The
// originating socket and, for presence events, the member's own connections
// are skipped.
func (h *Hub) deliver(envelope models.Envelope) {
	clients := h.sessionToClients[envelope.SessionId]
	if len(clients) == 0 {
		return
	}

	frame, err := broadcast.ClientFrame(envelope)
	if err != nil {
		h.logger.Error("failed to encode client frame", "sessionId", envelope.SessionId, "error", err)
		return
	}

	var memberId string
	if envelope.Event == models.EventMemberAdded || envelope.Event == models.EventMemberRemoved {
		var member models.Member
		if err := json.Unmarshal(envelope.Payload, &member); err == nil {
			memberId = member.Id
		}
	}

	for client := range clients {
		if envelope.ExcludeSocketId != "" && client.socketId == envelope.ExcludeSocketId {
			continue
		}
		if memberId != "" && client.user.Id == memberId {
			continue
		}
		client.trySend(frame)
	}
}

// InitSubscriptions listens for account deletions on every instance so the
// deleted user's connections get closed wherever they are.
func (h *Hub) InitSubscriptions(shutdownCtx context.Context) error {
	err := h.subscriber.SubscribeUserDeleted(shutdownCtx, func(userId string) {
		select {
		case h.UserDeletedCh <- userId:
		case <-shutdownCtx.Done():
		}
	})
	if err != nil {
		h.logger.Error("failed to subscribe to user-deleted", "error", err)
		return err
	}

	return nil
}
