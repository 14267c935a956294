// homesync keeps a local, permission-filtered view of a remote smart-home
// backend's devices and entity states.
//
// It loads the active home's registry over REST, follows live changes on
// the backend's event channel, tracks optimistic commands until they are
// confirmed, and serves the result to local dashboards over HTTP and
// WebSocket. The registry is optionally mirrored to a local MQTT broker
// and recorded to InfluxDB.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/homesync/migrations"

	"github.com/nerrad567/homesync/internal/api"
	"github.com/nerrad567/homesync/internal/backend"
	"github.com/nerrad567/homesync/internal/entity"
	"github.com/nerrad567/homesync/internal/infrastructure/config"
	"github.com/nerrad567/homesync/internal/infrastructure/database"
	"github.com/nerrad567/homesync/internal/infrastructure/influxdb"
	"github.com/nerrad567/homesync/internal/infrastructure/logging"
	"github.com/nerrad567/homesync/internal/infrastructure/mqtt"
	"github.com/nerrad567/homesync/internal/mirror"
	"github.com/nerrad567/homesync/internal/permission"
	"github.com/nerrad567/homesync/internal/session"
	"github.com/nerrad567/homesync/internal/transport"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// tokenExpiryWarning is how close to expiry the access token must be
// before startup logs a warning.
const tokenExpiryWarning = 24 * time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, blocks until ctx is cancelled and then
// tears everything down in reverse order.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting homesync",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("snapshot cache ready", "path", cfg.Database.Path)

	health := map[string]api.HealthChecker{"database": db}

	mqttClient, err := connectMQTT(cfg.MQTT, log)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		health["mqtt"] = mqttClient
	}

	influxClient, err := connectInfluxDB(cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		health["influxdb"] = influxClient
	}

	backendClient := backend.New(cfg.Backend, backend.WithLogger(log.Component("backend")))
	evaluator := permission.NewEvaluator(backendClient)
	evaluator.SetLogger(log.Component("permission"))
	seedSystemRole(backendClient, evaluator, log)

	transportClient := transport.New(cfg.Transport, cfg.Backend.AccessToken,
		transport.WithLogger(log.Component("transport")),
	)
	transportClient.SetOnDisconnect(func(err error) {
		log.Warn("event channel disconnected", "error", err)
	})

	store := entity.NewStore(entity.WithStrictConfirmation(cfg.Sync.StrictConfirmation))
	store.SetLogger(log.Component("store"))

	sess := session.New(session.Config{
		DefaultHome:    cfg.Sync.DefaultHome,
		PendingTimeout: cfg.GetPendingTimeout(),
		CommandREST:    cfg.Sync.CommandPath == config.CommandPathREST,
	}, session.Deps{
		Store:      store,
		Evaluator:  evaluator,
		Transport:  transportClient,
		Backend:    backendClient,
		Repository: entity.NewSQLiteRepository(db.DB),
		Logger:     log.Component("session"),
	})
	defer func() {
		log.Info("closing session")
		sess.Close()
	}()

	mirrorDeps := mirror.Deps{
		Store:  store,
		Issuer: sess,
		Logger: log.Component("mirror"),
	}
	if mqttClient != nil {
		mirrorDeps.Broker = mqttClient
	}
	if influxClient != nil {
		mirrorDeps.Recorder = influxClient
	}
	mirrorSvc := mirror.New(mirror.Config{CommandQoS: byte(cfg.MQTT.QoS)}, mirrorDeps)
	if mqttClient != nil {
		// Changes made while the broker was away were dropped.
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected, republishing registry")
			mirrorSvc.Resync()
		})
	}
	mirrorSvc.Start(ctx)
	defer func() {
		log.Info("stopping mirror")
		mirrorSvc.Close()
	}()

	server, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Logger:      log.Component("api"),
		Store:       store,
		Permissions: evaluator,
		Session:     sess,
		Health:      health,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transportClient.Run(gctx)
	})

	log.Info("initialisation complete, waiting for shutdown signal")
	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("event channel: %w", err)
	}

	log.Info("homesync stopped")
	return nil
}

func getConfigPath() string {
	if path := os.Getenv("HOMESYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectMQTT connects the mirror broker. It returns nil when MQTT is
// disabled.
func connectMQTT(cfg config.MQTTConfig, log *logging.Logger) (*mqtt.Client, error) {
	if !cfg.Enabled {
		log.Info("MQTT mirror disabled")
		return nil, nil //nolint:nilnil // disabled is not an error
	}
	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
	)
	return client, nil
}

// connectInfluxDB connects the value recorder. It returns nil when
// InfluxDB is disabled.
func connectInfluxDB(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil //nolint:nilnil // disabled is not an error
	}
	client, err := influxdb.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)
	return client, nil
}

// seedSystemRole gives the evaluator the account's system role from the
// access token. A missing or unreadable token leaves the role empty; the
// backend still enforces its own checks.
func seedSystemRole(c *backend.Client, e *permission.Evaluator, log *logging.Logger) {
	claims, err := c.Claims()
	if err != nil {
		log.Warn("access token claims unavailable", "error", err)
		return
	}
	e.SetSystemRole(claims.Role)
	if left, ok := claims.ExpiresIn(time.Now()); ok {
		switch {
		case left <= 0:
			log.Warn("access token has expired", "expired_at", claims.ExpiresAt.Time)
		case left < tokenExpiryWarning:
			log.Warn("access token expires soon", "expires_in", left.Round(time.Minute))
		}
	}
	log.Info("system role loaded", "role", claims.Role)
}
