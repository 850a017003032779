package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/square-key-labs/strawgo-relay/src/config"
	"github.com/square-key-labs/strawgo-relay/src/logger"
	"github.com/square-key-labs/strawgo-relay/src/observers"
	"github.com/square-key-labs/strawgo-relay/src/server"
	"github.com/square-key-labs/strawgo-relay/src/services/openai"
	"github.com/square-key-labs/strawgo-relay/src/services/twilio"
	"github.com/square-key-labs/strawgo-relay/src/telemetry"
	"github.com/square-key-labs/strawgo-relay/src/transports"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file (optional)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	log := logger.Configure(cfg.Log.Level, cfg.Log.Color)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Relay exited with error: %v", err)
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	log.Info("Starting %s %s", cfg.ServiceName, version)

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn("Telemetry shutdown: %v", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(tel.Meter())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	var sinks observers.MultiObserver
	checks := map[string]func() bool{}
	if cfg.Transcripts.Log {
		sinks = append(sinks, observers.NewLogObserver(log))
	}
	if cfg.Transcripts.NATS.Enabled {
		natsObserver, err := observers.ConnectNATS(cfg.Transcripts.NATS, cfg.ServiceName, log)
		if err != nil {
			// Transcript fan-out is optional; calls still relay without it
			log.Warn("NATS transcripts disabled: %v", err)
		} else {
			defer natsObserver.Close()
			sinks = append(sinks, natsObserver)
			checks["nats"] = natsObserver.Healthy
		}
	}

	connector := openai.NewConnector(openai.RealtimeConfigFrom(cfg.Realtime), log)

	transportConfig := transports.TelephonyTransportConfig{
		Connector: connector,
		Personas:  cfg.Personas,
		Keepalive: transports.KeepaliveConfig{
			PingInterval:    cfg.Telephony.PingInterval(),
			IdleTimeout:     cfg.Telephony.IdleTimeout(),
			MaxMessageBytes: cfg.Telephony.MaxMessageBytes,
		},
		PendingLimit: cfg.Telephony.PendingAudioLimit,
		Observer:     sinks,
		Metrics:      metrics,
		Tracer:       tel.Tracer(),
		Logger:       log,
	}

	opts := server.Options{
		Config:  cfg,
		Twilio:  transports.NewTwilioTransport(transportConfig),
		Metrics: tel.Handler(),
		Checks:  checks,
		Logger:  log,
	}

	if cfg.Asterisk.Enabled {
		asterisk, err := transports.NewAsteriskTransport(cfg.Asterisk.Codec, transportConfig)
		if err != nil {
			return fmt.Errorf("asterisk transport: %w", err)
		}
		opts.Asterisk = asterisk
		log.Info("Asterisk media endpoint enabled at %s (%s)", cfg.Asterisk.Path, cfg.Asterisk.Codec)
	}

	if cfg.Twilio.Enabled() {
		client, err := twilio.NewClient(cfg.Twilio, log)
		if err != nil {
			return fmt.Errorf("twilio client: %w", err)
		}
		opts.Calls = client
	} else {
		log.Info("Twilio credentials not set, /make-call is disabled")
	}

	return server.New(opts).Start(ctx)
}
