package service

import (
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/zlnvch/drawcast/broadcast"
	"github.com/zlnvch/drawcast/cache"
	"github.com/zlnvch/drawcast/mq"
	"github.com/zlnvch/drawcast/store"
	"github.com/zlnvch/drawcast/worker"
)

const defaultLockTTL = 5 * time.Second

type Service struct {
	Store   store.DrawingStore
	Cache   cache.DrawingCache
	Gateway *broadcast.Gateway
	// MQ is optional. Without it account cleanup runs in-process.
	MQ             mq.MessageQueue
	CounterBatcher *worker.CounterBatcher
	OAuthConfigs   map[string]*oauth2.Config
	JWTSecret      []byte
	Logger         *slog.Logger
	// LockTTL bounds both how long a session lock is held and how long a
	// caller waits for it.
	LockTTL time.Duration
}

func NewService(
	store store.DrawingStore,
	cache cache.DrawingCache,
	gateway *broadcast.Gateway,
	mq mq.MessageQueue,
	counterBatcher *worker.CounterBatcher,
	oauthConfigs map[string]*oauth2.Config,
	jwtSecret []byte,
	logger *slog.Logger,
) (*Service, error) {
	oauthConfigs, err := addOauthEndpointsAndScopes(oauthConfigs)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		Store:          store,
		Cache:          cache,
		Gateway:        gateway,
		MQ:             mq,
		CounterBatcher: counterBatcher,
		OAuthConfigs:   oauthConfigs,
		JWTSecret:      jwtSecret,
		Logger:         logger,
		LockTTL:        defaultLockTTL,
	}, nil
}
