// Command cmrelay runs a relay agent on NATS. Certified transports that
// connect to it have messages on their subjects held while they are
// disconnected and delivered when they reconnect.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RobertWHurst/certify"
	"github.com/RobertWHurst/certify/internal/observability"
	"github.com/RobertWHurst/certify/relay"
	natstransport "github.com/RobertWHurst/certify/transports/nats"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to a certify toml config")
	agentName := flag.String("agent", "relay", "relay agent name")
	namespace := flag.String("namespace", "", "NATS subject namespace")
	maxBuffered := flag.Int("max-buffered", 0, "messages held per disconnected client, 0 for the default")
	metricsAddr := flag.String("metrics", "", "address to serve /metrics on, empty to disable")
	flag.Parse()

	cfg := certify.DefaultConfig()
	if *configPath != "" {
		loaded, err := certify.LoadConfig(*configPath)
		if err != nil {
			observability.InitLogger("cmrelay", cfg.LogLevel)
			log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
		}
		cfg = loaded
	}
	logger := observability.InitLogger("cmrelay", cfg.LogLevel)

	tr, err := natstransport.Connect(cfg.NATSURL, cfg.NKeySeedFile,
		[]nats.Option{nats.Name("cmrelay-" + *agentName)},
		natstransport.WithNamespace(*namespace))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer tr.Close()

	metrics, err := relay.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register relay metrics")
	}
	opts := []relay.AgentOption{relay.WithAgentLogger(logger), relay.WithMetrics(metrics)}
	if *maxBuffered > 0 {
		opts = append(opts, relay.WithMaxBuffered(*maxBuffered))
	}
	agent, err := relay.NewAgent(*agentName, tr, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid relay agent")
	}
	if err := agent.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start relay agent")
	}
	defer agent.Close()

	var server *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	logger.Info().
		Str("agent", agent.Name()).
		Str("nats", cfg.NATSURL).
		Str("metrics", *metricsAddr).
		Str("version", certify.Version()).
		Msg("relay agent started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}
	logger.Info().Msg("relay agent stopping")
}
