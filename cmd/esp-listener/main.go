package main

import (
    "context"
    "flag"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "sync"
    "syscall"
    "time"

    "github.com/nats-io/nats.go"
    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"

    "github.com/tambula/esp-listener/internal/api"
    "github.com/tambula/esp-listener/internal/config"
    "github.com/tambula/esp-listener/internal/device"
    "github.com/tambula/esp-listener/internal/events"
    "github.com/tambula/esp-listener/internal/gateway"
    "github.com/tambula/esp-listener/internal/integration"
    "github.com/tambula/esp-listener/internal/ota"
    "github.com/tambula/esp-listener/internal/pairing"
    "github.com/tambula/esp-listener/internal/relay"
    "github.com/tambula/esp-listener/internal/stats"
    "github.com/tambula/esp-listener/internal/storage"
    "github.com/tambula/esp-listener/internal/trigger"
    "github.com/tambula/esp-listener/pkg/crypto"
)

func main() {
    // Command line flags
    var configFile, hashPassword string
    var printConfig bool
    flag.StringVar(&configFile, "config", "config/esp-listener.yml", "Configuration file path")
    flag.StringVar(&hashPassword, "hash-password", "", "Print the bcrypt hash of a password for api.password_hash and exit")
    flag.BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit")
    flag.Parse()

    if hashPassword != "" {
        hash, err := crypto.HashPassword(hashPassword)
        if err != nil {
            fmt.Fprintln(os.Stderr, err)
            os.Exit(1)
        }
        fmt.Println(hash)
        return
    }

    // Setup logging
    log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
    zerolog.SetGlobalLevel(zerolog.InfoLevel)

    // Load configuration
    cfg, err := config.Load(configFile)
    if err != nil {
        log.Fatal().Err(err).Msg("Failed to load configuration")
    }

    if printConfig {
        cfg.PrintConfigSummary()
        return
    }

    // Set log level
    level, err := zerolog.ParseLevel(cfg.Log.Level)
    if err != nil {
        log.Warn().Str("level", cfg.Log.Level).Msg("Unknown log level, using info")
        level = zerolog.InfoLevel
    }
    zerolog.SetGlobalLevel(level)
    if cfg.Log.Format == "json" {
        log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
    }

    log.Info().
        Str("name", cfg.Server.Name).
        Str("version", cfg.Server.Version).
        Msg("Starting ESP listener")

    // Create context
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    st := stats.New()
    sinks := events.Multi{}
    sources := trigger.Sources{trigger.NewFileSource(cfg.Trigger)}

    // Optional: database for event log and OTA history
    var store storage.Store
    var recorder ota.SessionRecorder
    if cfg.Database.DSN != "" {
        pg, err := storage.NewPostgresStore(cfg.Database)
        if err != nil {
            log.Fatal().Err(err).Msg("Failed to connect to database")
        }
        defer pg.Close()

        if err := pg.Migrate(ctx); err != nil {
            log.Fatal().Err(err).Msg("Failed to migrate database")
        }
        log.Info().Msg("Connected to database")

        store = pg
        recorder = pg
        sinks = append(sinks, events.NewStoreSink(pg))
    } else {
        log.Info().Msg("Database not configured, event log disabled")
    }

    // Optional: NATS for event publication and OTA triggers
    if cfg.NATS.URL != "" {
        log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

        nc, err := connectNATS(cfg.NATS)
        if err != nil {
            log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
        } else {
            defer nc.Close()
            log.Info().Msg("Connected to NATS")

            sinks = append(sinks, events.NewNATSSink(nc, ""))

            natsSource := trigger.NewNATSSource(nc, cfg.Trigger.NATSSubject)
            if err := natsSource.Start(); err != nil {
                log.Error().Err(err).Msg("Failed to subscribe to OTA triggers")
            } else {
                defer natsSource.Stop()
                sources = append(sources, natsSource)
            }
        }
    } else {
        log.Info().Msg("NATS not configured, running in standalone mode")
    }

    // Optional: MQTT and webhook forwarding
    forwarder, err := integration.NewForwarder(cfg.Integration)
    if err != nil {
        log.Warn().Err(err).Msg("Failed to start integration forwarder")
    } else if forwarder.Enabled() {
        defer forwarder.Close()
        sinks = append(sinks, forwarder)
    }

    // Fleet services
    registry := ota.NewRegistry(cfg.OTA.AllowConcurrent, recorder)
    ports := gateway.NewPortRegistry()
    backend := relay.NewBackend(cfg.Backend)
    session := relay.NewSession(cfg.Backend.SessionID)
    prompter := pairing.NewConsolePrompter(os.Stdin, os.Stdout)

    services := &gateway.Services{
        Open:         device.NewOpener(cfg.Serial),
        Ports:        ports,
        Negotiator:   pairing.NewNegotiator(prompter, cfg.Pairing, sinks),
        Tracker:      ota.NewTracker(registry, st, sinks),
        Relay:        relay.New(backend, session, st, sinks),
        Events:       sinks,
        Cooldown:     cfg.Pairing.Cooldown,
        StaleAfter:   cfg.Pairing.StaleAfter,
        ErrorBackoff: cfg.Supervisor.ErrorBackoff,
    }

    discoverer, err := device.NewDiscoverer(cfg.Serial)
    if err != nil {
        log.Fatal().Err(err).Msg("Invalid serial configuration")
    }

    var fetcher gateway.SessionFetcher
    if cfg.Backend.MotherURL != "" {
        fetcher = backend
    }

    supervisor := gateway.NewSupervisor(gateway.Options{
        Config:     cfg.Supervisor,
        OTA:        cfg.OTA,
        Discoverer: discoverer,
        Services:   services,
        Triggers:   sources,
        Dispatcher: ota.NewDispatcher(ports, registry, st, sinks),
        Sessions:   registry,
        Stats:      st,
        Backend:    fetcher,
        Session:    session,
        MotherID:   cfg.Backend.MotherID,
    })

    // WaitGroup for services
    var wg sync.WaitGroup

    wg.Add(1)
    go func() {
        defer wg.Done()
        if err := supervisor.Run(ctx); err != nil {
            log.Error().Err(err).Msg("Supervisor stopped")
        }
    }()

    // Optional: operator API
    var apiServer *api.RESTServer
    if cfg.API.Port != 0 {
        if cfg.API.PasswordHash != "" && cfg.JWT.Secret == "" {
            secret, err := crypto.GenerateRandomString(32)
            if err != nil {
                log.Fatal().Err(err).Msg("Failed to generate JWT secret")
            }
            cfg.JWT.Secret = secret
            log.Warn().Msg("jwt.secret not set, generated a random one; tokens will not survive a restart")
        }

        apiServer = api.NewRESTServer(cfg, supervisor, registry, st, store)

        wg.Add(1)
        go func() {
            defer wg.Done()
            addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
            if err := apiServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
                log.Error().Err(err).Msg("REST API server failed")
            }
        }()
    }

    // Wait for signal
    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

    sig := <-sigChan
    log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

    // Cancel context
    cancel()

    // Shutdown API server
    if apiServer != nil {
        shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
        if err := apiServer.Shutdown(shutdownCtx); err != nil {
            log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
        }
        done()
    }

    // Wait for all services
    wg.Wait()

    // Flush OTA session history before the database closes
    flushCtx, flushDone := context.WithTimeout(context.Background(), 5*time.Second)
    if err := registry.Close(flushCtx); err != nil {
        log.Warn().Err(err).Msg("OTA session history not fully saved")
    }
    flushDone()

    log.Info().Msg("ESP listener stopped")
}

// connectNATS connects with the configured credentials and reconnect policy
func connectNATS(cfg config.NATSConfig) (*nats.Conn, error) {
    name := cfg.ClientID
    if name == "" {
        name = "esp-listener"
    }
    return nats.Connect(cfg.URL,
        nats.Name(name),
        nats.UserInfo(cfg.Username, cfg.Password),
        nats.ReconnectWait(cfg.ReconnectInterval),
        nats.MaxReconnects(cfg.MaxReconnects),
        nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
            log.Warn().Err(err).Msg("Disconnected from NATS")
        }),
        nats.ReconnectHandler(func(nc *nats.Conn) {
            log.Info().Msg("Reconnected to NATS")
        }),
        nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
            ev := log.Error().Err(err)
            if sub != nil {
                ev = ev.Str("subject", sub.Subject)
            }
            ev.Msg("NATS error")
        }),
    )
}
