package entitlement

import (
	"context"
	"fmt"
	"os"
	"time"

	"strideBack/internal/entitlement/engine"
	"strideBack/internal/entitlement/feed"
	"strideBack/internal/entitlement/history"
	"strideBack/internal/entitlement/ledger"
	"strideBack/internal/entitlement/listener"
	"strideBack/internal/entitlement/metrics"
	"strideBack/internal/entitlement/notify"
	"strideBack/internal/entitlement/refund"
	"strideBack/internal/entitlement/verify"
	"strideBack/internal/entitlement/ws"
	"strideBack/internal/handlers"
	"strideBack/internal/repositories"
)

type moduleState struct {
	verifier      *verify.JWSVerifier
	appStore      *ledger.AppStore
	engine        *engine.Engine
	feed          feed.Feed
	publisher     feed.Publisher
	listener      *listener.Listener
	history       *history.Cache
	refunds       *refund.Service
	deliveries    *repositories.DeliveryRepository
	hub           *ws.Hub
	notifier      *notify.FCM
	metrics       *metrics.Collector
	handler       *handlers.EntitlementHandler
	notifications *handlers.AppleNotificationHandler
	sweep         time.Duration
}

func ensureModule(deps *EntitlementDeps) (*moduleState, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.module != nil {
		return deps.module, nil
	}
	cfg := deps.Config

	verifyCfg := verify.Config{
		BundleID:   cfg.BundleID,
		JWKSURL:    cfg.JWKSURL,
		HTTPClient: deps.HTTPClient,
	}
	if cfg.ExtraRootsPath != "" {
		pem, err := os.ReadFile(cfg.ExtraRootsPath)
		if err != nil {
			return nil, fmt.Errorf("read APPLE_EXTRA_ROOTS_PATH: %w", err)
		}
		verifyCfg.ExtraRootsPEM = pem
	}
	verifier, err := verify.New(verifyCfg)
	if err != nil {
		return nil, err
	}

	appStore, err := ledger.NewAppStore(ledger.AppStoreConfig{
		IssuerID:              cfg.AppleIssuerID,
		BundleID:              cfg.BundleID,
		KeyID:                 cfg.AppleKeyID,
		PrivateKey:            cfg.ApplePrivateKey,
		OriginalTransactionID: cfg.OriginalTransactionID,
		Environment:           cfg.AppleEnvironment,
		BaseURL:               cfg.AppStoreBaseURL,
		HTTPClient:            deps.HTTPClient,
	})
	if err != nil {
		return nil, err
	}

	collector := metrics.New(deps.Registerer)
	eng := engine.New(verifier, appStore, appStore, deps.Logger, collector, engine.Config{MaxLimboAttempts: cfg.MaxLimboAttempts})

	src, pub, err := buildFeed(deps)
	if err != nil {
		return nil, err
	}

	var deliveries *repositories.DeliveryRepository
	var auditor listener.Auditor
	var deliveryLog handlers.DeliveryLog
	if deps.DB != nil {
		deliveries = repositories.NewDeliveryRepository(deps.DB, deps.Dialect)
		auditor = deliveries
		deliveryLog = deliveries
	}
	lst := listener.New(src, eng, auditor, deps.Logger)

	requester, err := buildRequester(deps, appStore)
	if err != nil {
		return nil, err
	}
	refunds := refund.New(eng, requester, deps.Logger, cfg.RefundTimeout)
	hist := history.New(appStore, verifier, deps.Logger, collector.HistoryRefresh)
	hub := ws.NewHub(eng, deps.Logger)

	var notifier *notify.FCM
	if deps.Messaging != nil {
		notifier = notify.NewFCM(deps.Messaging, cfg.FCMTopic, deps.Logger)
	}

	deps.module = &moduleState{
		verifier:      verifier,
		appStore:      appStore,
		engine:        eng,
		feed:          src,
		publisher:     pub,
		listener:      lst,
		history:       hist,
		refunds:       refunds,
		deliveries:    deliveries,
		hub:           hub,
		notifier:      notifier,
		metrics:       collector,
		handler:       handlers.NewEntitlementHandler(eng, hist, refunds, deliveryLog, lst),
		notifications: handlers.NewAppleNotificationHandler(verifier, pub, cfg.BundleID, deps.Logger),
		sweep:         cfg.LimboSweep,
	}
	return deps.module, nil
}

// buildFeed returns the transaction source and the publisher the webhook writes to.
func buildFeed(deps *EntitlementDeps) (feed.Feed, feed.Publisher, error) {
	cfg := deps.Config
	switch cfg.Feed {
	case FeedRedis:
		s := feed.NewRedisStream(deps.RDB, feed.RedisStreamConfig{
			Stream:   cfg.RedisStream,
			Group:    cfg.RedisGroup,
			Consumer: cfg.RedisConsumer,
		}, deps.Logger)
		return s, s, nil
	case FeedAMQP:
		a := feed.NewAMQP(deps.AMQP, cfg.AMQPQueue, cfg.AMQPPrefetch)
		return a, a, nil
	case FeedMemory, "":
		m := feed.NewMemory(cfg.QueueLimit)
		return m, m, nil
	}
	return nil, nil, fmt.Errorf("entitlement: unknown feed %q", cfg.Feed)
}

func buildRequester(deps *EntitlementDeps, appStore *ledger.AppStore) (refund.Requester, error) {
	cfg := deps.Config
	if cfg.RefundProvider != RefundProviderGooglePlay {
		return appStore, nil
	}
	// The client outlives this call, so it must not carry a request context.
	gp, err := ledger.NewGooglePlay(context.Background(), cfg.GooglePlayPackage, cfg.GooglePlayRevoke, ledger.GooglePlayCredentials(cfg.GoogleServiceJSON)...)
	if err != nil {
		return nil, err
	}
	return gp, nil
}

// Handlers returns the HTTP handlers of the module.
func Handlers(deps *EntitlementDeps) (*handlers.EntitlementHandler, *handlers.AppleNotificationHandler, *ws.Hub, error) {
	module, err := ensureModule(deps)
	if err != nil {
		return nil, nil, nil, err
	}
	return module.handler, module.notifications, module.hub, nil
}

// Metrics returns the collector the module reports to.
func Metrics(deps *EntitlementDeps) (*metrics.Collector, error) {
	module, err := ensureModule(deps)
	if err != nil {
		return nil, err
	}
	return module.metrics, nil
}

// StartEntitlementWorkers bootstraps the engine and launches the listener,
// the observers and the limbo sweeper. They stop when ctx is done.
func StartEntitlementWorkers(ctx context.Context, deps *EntitlementDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}

	if err := module.engine.Bootstrap(ctx); err != nil {
		deps.Logger.Errorf("entitlement: bootstrap failed, state stays unknown until refresh: %v", err)
	}
	if err := module.listener.Start(ctx); err != nil {
		return fmt.Errorf("entitlement: start listener: %w", err)
	}

	states, unsubscribe := module.engine.Subscribe()
	go func() {
		defer unsubscribe()
		module.hub.Run(ctx, states)
	}()
	if module.notifier != nil {
		pushStates, unsubscribePush := module.engine.Subscribe()
		go func() {
			defer unsubscribePush()
			module.notifier.Run(ctx, pushStates)
		}()
	}
	go module.startLimboSweeper(ctx, deps.Logger)
	return nil
}

// StopEntitlementWorkers stops the listener and waits for the in-flight delivery.
func StopEntitlementWorkers(deps *EntitlementDeps) {
	if deps.module != nil {
		deps.module.listener.Stop()
	}
}

func (m *moduleState) startLimboSweeper(ctx context.Context, logger Logger) {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if err := m.engine.Refresh(runCtx); err != nil {
				logger.Errorf("entitlement: limbo sweep: %v", err)
			} else if n := m.engine.LimboSize(); n > 0 {
				logger.Infof("entitlement: %d transactions still held for verification", n)
			}
			cancel()
		}
	}
}
