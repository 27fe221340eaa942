// broute-bridge - Route-B smart meter bridge
//
// This is the main entry point for the bridge. It joins the smart meter's
// PAN through a Wi-SUN modem, polls instantaneous power over ECHONET Lite
// and fans each reading out to MQTT, SQLite, InfluxDB, NATS, Zabbix and
// WebSocket clients.
//
// Usage:
//
//	broute                     run the bridge
//	broute -token grafana      print an API bearer token for "grafana"
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/broute-bridge/internal/api"
	"github.com/nerrad567/broute-bridge/internal/auth"
	"github.com/nerrad567/broute-bridge/internal/bridges/broute"
	"github.com/nerrad567/broute-bridge/internal/infrastructure/config"
	"github.com/nerrad567/broute-bridge/internal/infrastructure/database"
	"github.com/nerrad567/broute-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/broute-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/broute-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/broute-bridge/internal/infrastructure/nats"
	"github.com/nerrad567/broute-bridge/internal/meter"
	"github.com/nerrad567/broute-bridge/internal/zabbix"
	"github.com/nerrad567/broute-bridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	tokenSubject := flag.String("token", "", "print an API bearer token for `subject` and exit")
	tokenTTL := flag.Duration("ttl", auth.DefaultTokenTTL, "lifetime of the token printed by -token")
	flag.Parse()

	if *tokenSubject != "" {
		if err := printToken(os.Stdout, *tokenSubject, *tokenTTL); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Startup wiring is inherently sequential
	log := logging.Default()
	log.Info("starting broute-bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)
	go toggleDebugOnSignal(ctx, log, cfg.Logging.Level, syscall.SIGUSR1)

	// Reading history (optional)
	var db *database.DB
	var readings meter.Repository
	var history *meter.SQLiteRepository
	if cfg.Database.Enabled {
		db, err = database.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		schema, _ := db.SchemaVersion(ctx) //nolint:errcheck // informational only
		log.Info("database ready", "path", db.Path(), "schema_version", schema)

		history = meter.NewSQLiteRepository(db.DB)
		readings = history

		if cfg.Database.RetentionDays > 0 {
			retention := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
			go meter.RunRetention(ctx, history, retention, meter.DefaultPruneInterval, log.Component("retention"))
		}
	} else {
		log.Info("reading history disabled")
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		will, marshalErr := json.Marshal(broute.NewLWTMessage(broute.DefaultBridgeID))
		if marshalErr != nil {
			return fmt.Errorf("building MQTT will: %w", marshalErr)
		}
		mqttClient, err = mqtt.Connect(cfg.MQTT, mqtt.WithWill(broute.HealthTopic(), will))
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	// NATS (optional)
	var natsClient *nats.Client
	if cfg.NATS.Enabled {
		natsClient, err = nats.Connect(cfg.NATS, log.Component("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer func() {
			log.Info("draining NATS connection")
			if closeErr := natsClient.Close(); closeErr != nil {
				log.Error("error closing NATS", "error", closeErr)
			}
		}()
		log.Info("NATS connected", "url", cfg.NATS.URL, "subject", natsClient.PowerSubject(cfg.Meter.ID))
	}

	// Zabbix (optional)
	var zabbixSender *zabbix.Sender
	if cfg.Zabbix.Enabled {
		zabbixSender, err = zabbix.New(cfg.Zabbix)
		if err != nil {
			return fmt.Errorf("configuring zabbix_sender: %w", err)
		}
		zabbixSender.SetLogger(log.Component("zabbix"))
		log.Info("Zabbix sender configured", "server", cfg.Zabbix.Server, "host", cfg.Zabbix.Host, "key", cfg.Zabbix.Key)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, natsClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Modem
	transport, err := broute.OpenTransport(ctx, broute.TransportConfig{
		Connection: cfg.Meter.Connection,
		BaudRate:   cfg.Meter.BaudRate,
	})
	if err != nil {
		return fmt.Errorf("opening modem: %w", err)
	}
	defer func() {
		log.Info("closing modem transport")
		if closeErr := transport.Close(); closeErr != nil {
			log.Error("error closing modem transport", "error", closeErr)
		}
	}()
	log.Info("modem connected", "address", transport.Address())

	bridgeCfg, err := bridgeConfig(cfg)
	if err != nil {
		return err
	}

	sinks := broute.NewMultiSink()
	opts := broute.BridgeOptions{
		Config:    bridgeCfg,
		Transport: transport,
		Sink:      sinks,
		Logger:    log.Component("broute"),
	}
	// Interface fields stay nil unless the backing client exists.
	if mqttClient != nil {
		opts.Publisher = mqttClient
	}
	if history != nil {
		opts.Sessions = history
	}

	bridge, err := broute.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if history != nil {
		sinks.Add("sqlite", meter.NewHistorySink(history, cfg.Meter.ID, bridge))
	}
	if influxClient != nil {
		sinks.Add("influxdb", broute.SinkFunc(func(_ context.Context, r broute.PowerReading) error {
			influxClient.WritePower(cfg.Meter.ID, int64(r.Watts), r.ReceivedAt)
			return nil
		}))
	}
	if natsClient != nil {
		sinks.Add("nats", natsSink(natsClient, cfg.Meter.ID, bridge))
	}
	if zabbixSender != nil {
		sinks.Add("zabbix", zabbixSender)
	}

	// HTTP API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Status:   bridge,
			Readings: readings,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		sinks.Add("websocket", apiServer)
	}

	log.Info("initialisation complete, joining meter", "meter_id", cfg.Meter.ID, "sinks", sinks.Len())

	if err := bridge.Run(ctx); err != nil {
		return fmt.Errorf("bridge stopped: %w", err)
	}

	log.Info("shutdown signal received, cleaning up")
	log.Info("broute-bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses BROUTE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BROUTE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// bridgeConfig maps the meter section onto the bridge configuration.
func bridgeConfig(cfg *config.Config) (broute.Config, error) {
	controller, err := broute.ParseEOJ(cfg.Meter.SourceObject)
	if err != nil {
		return broute.Config{}, fmt.Errorf("meter.source_object: %w", err)
	}
	smartMeter, err := broute.ParseEOJ(cfg.Meter.DestinationObject)
	if err != nil {
		return broute.Config{}, fmt.Errorf("meter.destination_object: %w", err)
	}

	return broute.Config{
		MeterID: cfg.Meter.ID,
		Credentials: broute.Credentials{
			RouteBID: cfg.Meter.RouteBID,
			Password: cfg.Meter.RouteBPassword,
		},
		Join: broute.JoinConfig{
			ScanMode:           cfg.Meter.Scan.Mode,
			ChannelMask:        cfg.Meter.Scan.ChannelMask,
			MinScanDuration:    cfg.Meter.Scan.MinDuration,
			MaxScanDuration:    cfg.Meter.Scan.MaxDuration,
			ReadTimeout:        cfg.Meter.JoinReadTimeout,
			SessionReadTimeout: cfg.Meter.QueryTimeout,
		},
		Query: broute.QueryConfig{
			Interval: cfg.Meter.PollInterval,
			UDPPort:  cfg.Meter.UDPPort,
		},
		Codec:          broute.Codec{Controller: controller, Meter: smartMeter},
		HealthInterval: cfg.Meter.HealthInterval,
		Version:        version,
	}, nil
}

// natsSink publishes each reading as a ReadingMessage on the meter's power subject.
func natsSink(client *nats.Client, meterID string, sessions meter.SessionSource) broute.ReadingSink {
	subject := client.PowerSubject(meterID)
	return broute.SinkFunc(func(_ context.Context, r broute.PowerReading) error {
		var sessionID string
		if s, ok := sessions.Session(); ok {
			sessionID = s.ID
		}
		payload, err := json.Marshal(broute.NewReadingMessage(meterID, sessionID, r))
		if err != nil {
			return err
		}
		return client.Publish(subject, payload)
	})
}

// printToken writes a signed API token for subject using the configured secret.
func printToken(w io.Writer, subject string, ttl time.Duration) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return errors.New("security.jwt.secret is not set; API authentication is disabled")
	}

	token, err := auth.GenerateToken(subject, cfg.Security.JWT.Secret, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// healthCheck verifies the enabled infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db, mqttClient, influxClient, natsClient: nil when disabled
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, natsClient *nats.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if natsClient != nil {
		if err := natsClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}

	return nil
}

// toggleDebugOnSignal flips the logger between debug and the configured
// level each time sig arrives, until ctx is done.
func toggleDebugOnSignal(ctx context.Context, log *logging.Logger, configured string, sig os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	defer signal.Stop(ch)

	debug := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			debug = !debug
			if debug {
				log.SetLevel("debug")
			} else {
				log.SetLevel(configured)
			}
			log.Warn("log level toggled", "debug", debug)
		}
	}
}
