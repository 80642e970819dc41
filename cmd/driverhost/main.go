// Gray Logic Driver Host
//
// This is the main entry point for the driver host. It loads the driver
// roster, runs each driver on its own goroutine, polls subscribed fields
// and exposes them over HTTP, WebSocket and MQTT.
//
// Usage:
//
//	driverhost                      run the host
//	driverhost token -role operator mint an API token
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/api"
	"github.com/nerrad567/gray-logic-driverhost/internal/auth"
	"github.com/nerrad567/gray-logic-driverhost/internal/catalog"
	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/drivers/knx"
	"github.com/nerrad567/gray-logic-driverhost/internal/drivers/media"
	"github.com/nerrad567/gray-logic-driverhost/internal/drivers/modbus"
	"github.com/nerrad567/gray-logic-driverhost/internal/drivers/serialline"
	"github.com/nerrad567/gray-logic-driverhost/internal/drivers/sim"
	"github.com/nerrad567/gray-logic-driverhost/internal/host"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-driverhost/internal/mqttbridge"
	"github.com/nerrad567/gray-logic-driverhost/internal/poll"
	"github.com/nerrad567/gray-logic-driverhost/internal/roster"
	"github.com/nerrad567/gray-logic-driverhost/migrations"
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
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
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

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic driver host",
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
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	db, err := database.Open(cfg.Database)
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
	log.Info("database ready", "path", cfg.Database.Path)

	// Driver host
	h, err := newHost(cfg, db, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("stopping drivers")
		if closeErr := h.Close(); closeErr != nil {
			log.Error("error stopping drivers", "error", closeErr)
		}
	}()

	rosterRepo := roster.NewSQLiteRepository(db.DB)

	// Polling engine. Listeners are wired before the roster loads so the
	// first state changes are seen.
	engine := poll.New(h, poll.Options{
		Interval:    cfg.Polling.Interval,
		Concurrency: cfg.Polling.Concurrency,
	})
	engine.SetLogger(log.Component("poll"))
	if cfg.Polling.MirrorAll && (cfg.MQTT.Enabled || cfg.InfluxDB.Enabled) {
		mirror := poll.NewMirror(engine)
		defer mirror.Close()
		h.OnStateChange(mirror.DriverState)
		log.Info("mirroring all readable fields")
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
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
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge := mqttbridge.New(mqttClient, h, mqttbridge.Options{
			Version:        version,
			CommandTimeout: cfg.Host.CommandTimeout,
		})
		bridge.SetLogger(log.Component("mqttbridge"))
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("starting MQTT bridge: %w", err)
		}
		defer bridge.Stop()
		h.OnStateChange(bridge.PublishDriverState)
		engine.OnChange(bridge.PublishChange)
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
		h.OnStateChange(func(moniker string, _, to driver.State) {
			influxClient.WriteDriverState(moniker, to.String(), to == driver.StateConnected)
		})
		engine.OnChange(func(s poll.Snapshot) {
			if s.Status == poll.StatusOK {
				influxClient.WriteFieldChange(s.Moniker, s.Field, s.Value)
			}
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// HTTP API
	srv, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Security:   cfg.Security,
		Logger:     log.Component("api"),
		Host:       h,
		Roster:     rosterRepo,
		Subscriber: engine,
		Poll:       engine,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	engine.OnChange(srv.Hub().PublishChange)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if err := loadRoster(ctx, cfg, rosterRepo, h, log); err != nil {
		return err
	}

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		engine.Run(ctx)
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal",
		"drivers", len(h.Monikers()),
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	<-pollDone

	// Deferred calls run in reverse order: API, InfluxDB, MQTT bridge,
	// MQTT, mirror, drivers, database.
	return nil
}

// newHost registers the built-in driver types and creates the host.
func newHost(cfg *config.Config, db *database.DB, log *logging.Logger) (*host.Host, error) {
	factories := host.NewFactories()
	builtins := []struct {
		typ     string
		factory driver.Factory
	}{
		{sim.Type, sim.New},
		{modbus.Type, modbus.New},
		{knx.Type, knx.New},
		{serialline.Type, serialline.New},
		{media.Type, media.NewFactory(catalog.NewSQLiteRepository(db.DB), media.Params{
			PageSize:       cfg.BulkLoad.PageSize,
			ReloadInterval: cfg.BulkLoad.ReloadInterval,
			FailureBackoff: cfg.BulkLoad.FailureBackoff,
			StopTimeout:    cfg.BulkLoad.StopTimeout,
		})},
	}
	for _, b := range builtins {
		if err := factories.Register(b.typ, b.factory); err != nil {
			return nil, fmt.Errorf("registering %s driver: %w", b.typ, err)
		}
	}

	h := host.New(factories, hostOptions(cfg.Host))
	h.SetLogger(log.Component("host"))
	h.SetDriverLogger(func(moniker string) driver.Logger {
		return log.ForDriver(moniker)
	})
	return h, nil
}

func hostOptions(c config.HostConfig) host.Options {
	return host.Options{
		Driver: driver.Options{
			PollInterval:         c.PollInterval,
			RetryInterval:        c.RetryInterval,
			MaxRetryInterval:     c.MaxRetryInterval,
			ConfigRetryInterval:  c.ConfigRetryInterval,
			ConnectRetryInterval: c.ConnectRetryInterval,
			CommandTimeout:       c.CommandTimeout,
			StopTimeout:          c.StopTimeout,
			QueueDepth:           c.QueueDepth,
		},
		CommandTimeout: c.CommandTimeout,
	}
}

// loadRoster seeds the roster from the config file and loads every enabled
// entry. A driver that fails to load is logged and does not stop the host.
func loadRoster(ctx context.Context, cfg *config.Config, repo roster.Repository, h *host.Host, log *logging.Logger) error {
	added, err := roster.Seed(ctx, repo, seedSpecs(cfg.Drivers))
	if err != nil {
		return fmt.Errorf("seeding driver roster: %w", err)
	}
	if added > 0 {
		log.Info("driver roster seeded from config", "added", added)
	}

	specs, err := repo.List(ctx)
	if err != nil {
		return fmt.Errorf("reading driver roster: %w", err)
	}
	loaded, err := h.LoadAll(ctx, specs)
	if err != nil {
		log.Warn("some drivers failed to load", "error", err)
	}
	log.Info("driver roster loaded", "entries", len(specs), "loaded", loaded)
	return nil
}

func seedSpecs(drivers []config.DriverConfig) []driver.Spec {
	specs := make([]driver.Spec, 0, len(drivers))
	for _, d := range drivers {
		specs = append(specs, driver.Spec{
			Moniker: d.Moniker,
			Type:    d.Type,
			Enabled: d.IsEnabled(),
			Params:  d.Params,
		})
	}
	return specs
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the infrastructure connections. mqttClient and
// influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
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
	return nil
}

// runToken mints an API token signed with the configured JWT secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "cli", "token subject")
	role := fs.String("role", string(auth.RoleViewer), "role: viewer, operator or admin")
	ttl := fs.Duration("ttl", 0, "token lifetime (default: security.jwt.access_token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return auth.ErrNoSecret
	}
	if !auth.IsValidRole(auth.Role(*role)) {
		return fmt.Errorf("%w: %q", auth.ErrInvalidRole, *role)
	}
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	}
	if lifetime <= 0 {
		return errors.New("token lifetime must be positive")
	}

	token, err := auth.GenerateToken(*subject, auth.Role(*role), cfg.Security.JWT.Secret, lifetime)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
