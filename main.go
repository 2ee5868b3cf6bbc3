// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/go-core-stack/github-app-proxy/pkg/auth"
	"github.com/go-core-stack/github-app-proxy/pkg/config"
	"github.com/go-core-stack/github-app-proxy/pkg/metrics"
	"github.com/go-core-stack/github-app-proxy/pkg/proxy"
	"github.com/go-core-stack/github-app-proxy/pkg/token"
)

const (
	defaultEnvFile = ".env"
	logFormatJSON  = "json"
	logFormatText  = "console"
)

type options struct {
	envFile         string
	envFileExplicit bool
	logFormat       string
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	writer, err := logWriter(opts.logFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.Logger = log.Output(writer)

	if err := loadEnvFile(opts.envFile, opts.envFileExplicit); err != nil {
		log.Fatal().Err(err).Str("env_file", opts.envFile).Msg("failed to load env file")
	}

	cfg, err := config.Load()
	if err != nil {
		event := log.Fatal().Err(err)
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			event = event.Str("key", cfgErr.Key)
		}
		event.Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Level(level)

	collector := metrics.NewCollector(nil)
	transport := proxy.NewTransport(cfg)

	apps, err := auth.NewAppTransport(transport, cfg.APIBase, cfg.AppID, cfg.PrivateKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up GitHub App credentials")
	}
	exchanger, err := auth.NewInstallationExchanger(apps, cfg.APIBase, cfg.InstallationID, cfg.ExchangeTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up installation token exchange")
	}
	tokens := token.NewCache(exchanger, token.WithObserver(collector))

	proxyHandler, err := proxy.New(cfg, tokens,
		proxy.WithTransport(transport),
		proxy.WithRecorder(collector),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct proxy")
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      proxyHandler,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}
	servers := []*http.Server{server}

	go func() {
		log.Info().
			Str("listen_addr", cfg.ListenAddr).
			Str("git_base", cfg.GitBase.String()).
			Str("api_base", cfg.APIBase.String()).
			Str("mcp_base", cfg.MCPBase.String()).
			Uint64("app_id", cfg.AppID).
			Uint64("installation_id", cfg.InstallationID).
			Msg("starting GitHub App proxy")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("proxy server exited unexpectedly")
		}
	}()

	if cfg.MetricsAddr != "" {
		metricsServer := newMetricsServer(cfg.MetricsAddr, collector)
		servers = append(servers, metricsServer)

		go func() {
			log.Info().Str("metrics_addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("metrics server exited unexpectedly")
			}
		}()
	}

	waitForShutdown(context.Background(), cfg.GracefulShutdownTimeout, servers...)
}

func parseFlags(args []string) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("github-app-proxy", pflag.ContinueOnError)
	flagSet.StringVar(&opts.envFile, "env-file", defaultEnvFile, "dotenv file read before the environment is parsed")
	flagSet.StringVar(&opts.logFormat, "log-format", logFormatJSON, "log output format: json or console")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if flagSet.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	opts.envFileExplicit = flagSet.Changed("env-file")

	return opts, nil
}

func logWriter(format string, out io.Writer) (io.Writer, error) {
	switch format {
	case logFormatJSON:
		return out, nil
	case logFormatText:
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}, nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// loadEnvFile fills unset variables from path. Values already present in the
// environment win. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func newMetricsServer(addr string, collector *metrics.Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func waitForShutdown(ctx context.Context, timeout time.Duration, servers ...*http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down GitHub App proxy")

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("graceful shutdown failed; forcing close")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error().Err(closeErr).Str("addr", srv.Addr).Msg("forced close failed")
			}
		}
	}

	log.Info().Msg("proxy stopped")
}
