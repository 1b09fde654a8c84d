package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/codetesla51/epoll-http/app"
	"github.com/codetesla51/epoll-http/auth"
	"github.com/codetesla51/epoll-http/config"
	"github.com/codetesla51/epoll-http/content"
	"github.com/codetesla51/epoll-http/logger"
	"github.com/codetesla51/epoll-http/metrics"
	"github.com/codetesla51/epoll-http/server"
	"github.com/codetesla51/epoll-http/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "epoll-http:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("epoll-http", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	samplePath := flags.String("write-sample", "", "write the default config to this path and exit")
	flags.IntP("port", "p", 0, "listen port")
	flags.String("host", "", "listen IPv4 address")
	flags.IntP("trigger-mode", "m", 0, "0 LT/LT, 1 LT listener ET conns, 2 ET listener LT conns, 3 ET/ET")
	flags.IntP("workers", "t", 0, "worker goroutines")
	flags.Duration("idle-timeout", 0, "close connections idle this long")
	flags.String("doc-root", "", "directory of static pages")
	flags.BoolP("linger", "o", false, "enable SO_LINGER on the listener")
	flags.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	flags.Bool("log-requests", false, "log one line per request")
	flags.Bool("metrics", false, "expose Prometheus metrics")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *samplePath != "" {
		return config.WriteSample(*samplePath)
	}

	v := viper.New()
	for key, name := range map[string]string{
		"server.port":         "port",
		"server.host":         "host",
		"server.trigger_mode": "trigger-mode",
		"server.workers":      "workers",
		"server.idle_timeout": "idle-timeout",
		"server.doc_root":     "doc-root",
		"server.opt_linger":   "linger",
		"server.log_requests": "log-requests",
		"logging.level":       "log-level",
		"metrics.enabled":     "metrics",
	} {
		// only flags given on the command line override lower sources
		if f := flags.Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	cfg, err := config.Load(v, *configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Output: cfg.Logging.Output})
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	contents, err := openContent(ctx, cfg)
	if err != nil {
		return err
	}

	accounts := auth.New(st, auth.WithSessionTTL(cfg.Auth.SessionTTL))
	router := server.NewRouter()
	app.New(accounts, st, contents,
		app.WithMaxUpload(cfg.Content.MaxUpload),
		app.WithLogger(log),
	).Register(router)

	opts := []server.Option{server.WithLogger(log)}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		opts = append(opts, server.WithMetrics(metrics.NewPrometheus(reg)))
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg, log); err != nil {
				log.Error("metrics endpoint: %v", err)
			}
		}()
	}

	srv := server.New(cfg.ServerConfig(), router, opts...)
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	log.Info("Server stopped")
	return nil
}

// openContent builds the upload store named by the content section. The
// fs store lives under the document root so uploads are served statically.
func openContent(ctx context.Context, cfg *config.Config) (content.Store, error) {
	switch cfg.Content.Type {
	case "s3":
		s3Cfg, err := cfg.S3Config()
		if err != nil {
			return nil, err
		}
		return content.NewS3(ctx, s3Cfg)
	default:
		fsCfg, err := cfg.FSConfig()
		if err != nil {
			return nil, err
		}
		root := filepath.Join(cfg.Server.DocRoot, fsCfg.Dir)
		return content.NewFS(root, "/"+filepath.ToSlash(fsCfg.Dir))
	}
}
