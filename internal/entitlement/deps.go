package entitlement

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"strideBack/internal/entitlement/feed"
	"strideBack/internal/entitlement/notify"
	"strideBack/internal/repositories"
)

// Logger provides minimal logging required by the entitlement module.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// EntitlementDeps groups external dependencies needed by the entitlement module.
type EntitlementDeps struct {
	// DB backs the delivery audit log. Nil disables auditing.
	DB      *sql.DB
	Dialect repositories.Dialect
	RDB     *redis.Client
	AMQP    feed.AMQPChannel
	// Messaging pushes entitlement transitions. Nil disables push.
	Messaging  notify.Sender
	Logger     Logger
	Config     EngineConfig
	HTTPClient *http.Client
	Registerer prometheus.Registerer
	module     *moduleState
}

// Validate ensures required dependencies are provided.
func (d *EntitlementDeps) Validate() error {
	if d.Logger == nil {
		return errors.New("entitlement deps: Logger is required")
	}
	if d.Config.Feed == FeedRedis && d.RDB == nil {
		return errors.New("entitlement deps: RDB is required for the redis feed")
	}
	if d.Config.Feed == FeedAMQP && d.AMQP == nil {
		return errors.New("entitlement deps: AMQP channel is required for the amqp feed")
	}
	if d.HTTPClient == nil {
		d.HTTPClient = http.DefaultClient
	}
	if d.Registerer == nil {
		d.Registerer = prometheus.DefaultRegisterer
	}
	return nil
}
