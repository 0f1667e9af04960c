package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	firebase "firebase.google.com/go"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"strideBack/internal/config"
	"strideBack/internal/entitlement"
	"strideBack/internal/entitlement/feed"
	"strideBack/internal/entitlement/metrics"
	"strideBack/internal/entitlement/ws"
	"strideBack/internal/handlers"
	"strideBack/internal/repositories"
	"strideBack/utils"
)

type application struct {
	logger              *zap.SugaredLogger
	deps                *entitlement.EntitlementDeps
	entitlementHandler  *handlers.EntitlementHandler
	notificationHandler *handlers.AppleNotificationHandler
	hub                 *ws.Hub
	metrics             *metrics.Collector
	tokens              *utils.Manager
}

func initializeApp(ctx context.Context, cfg config.Config, engineCfg entitlement.EngineConfig, logger *zap.SugaredLogger) (*application, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*application, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	deps := &entitlement.EntitlementDeps{
		Logger:     logger,
		Config:     engineCfg,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Registerer: prometheus.DefaultRegisterer,
	}

	if cfg.Database.URL != "" {
		db, dialect, err := openDB(cfg.Database.Driver, cfg.Database.URL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { db.Close() })
		deps.DB = db
		deps.Dialect = dialect
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		closers = append(closers, func() { rdb.Close() })
		deps.RDB = rdb
	}

	if engineCfg.Feed == entitlement.FeedAMQP {
		conn, ch, err := feed.DialAMQP(engineCfg.AMQPURL)
		if err != nil {
			return fail(fmt.Errorf("dial amqp: %w", err))
		}
		closers = append(closers, func() {
			ch.Close()
			conn.Close()
		})
		deps.AMQP = ch
	}

	if cfg.Firebase.CredentialsFile != "" {
		fbApp, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
		if err != nil {
			return fail(fmt.Errorf("firebase app: %w", err))
		}
		client, err := fbApp.Messaging(ctx)
		if err != nil {
			return fail(fmt.Errorf("firebase messaging: %w", err))
		}
		deps.Messaging = client
	}

	entitlementHandler, notificationHandler, hub, err := entitlement.Handlers(deps)
	if err != nil {
		return fail(err)
	}
	collector, err := entitlement.Metrics(deps)
	if err != nil {
		return fail(err)
	}
	tokens, err := utils.NewManager(cfg.Admin.SigningKey)
	if err != nil {
		return fail(err)
	}

	return &application{
		logger:              logger,
		deps:                deps,
		entitlementHandler:  entitlementHandler,
		notificationHandler: notificationHandler,
		hub:                 hub,
		metrics:             collector,
		tokens:              tokens,
	}, cleanup, nil
}

func openDB(driver, dsn string) (*sql.DB, repositories.Dialect, error) {
	dialect := repositories.DialectMySQL
	sqlDriver := "mysql"
	if driver == "postgres" || driver == "pgx" {
		dialect = repositories.DialectPostgres
		sqlDriver = "pgx"
	} else if !strings.Contains(dsn, "parseTime=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "parseTime=true"
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		log.Printf("Failed to open DB: %v", err)
		return nil, "", err
	}
	if err = db.Ping(); err != nil {
		log.Printf("Failed to ping DB: %v", err)
		db.Close()
		return nil, "", err
	}
	db.SetMaxIdleConns(35)
	log.Println("Successfully connected to database")
	return db, dialect, nil
}

func addSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}
