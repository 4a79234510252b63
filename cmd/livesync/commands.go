package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/livesync/internal/app/notify"
	"github.com/ahrav/livesync/internal/app/polling"
	"github.com/ahrav/livesync/internal/app/session"
	"github.com/ahrav/livesync/internal/config"
	"github.com/ahrav/livesync/internal/config/credentials"
	"github.com/ahrav/livesync/internal/config/fileloader"
	"github.com/ahrav/livesync/internal/config/loaders"
	"github.com/ahrav/livesync/internal/domain/realtime"
	"github.com/ahrav/livesync/internal/infra/channel"
	"github.com/ahrav/livesync/internal/infra/repository/httprepo"
	"github.com/ahrav/livesync/pkg/common/logger"
	"github.com/ahrav/livesync/pkg/common/otel"
)

type rootOptions struct {
	configPath string
	v          *viper.Viper
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Live synchronization client for procurement analytics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	flags.String("base-url", "", "analytics server address")
	flags.String("log-level", "", "minimum log level (debug|info|warn|error)")
	flags.String("profile", "", "deployment profile (development|staging|production)")

	for key, flag := range map[string]string{
		"server.base_url": "base-url",
		"logging.level":   "log-level",
		"logging.profile": "profile",
	} {
		_ = opts.v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

func (o *rootOptions) load(ctx context.Context) (*config.Config, error) {
	var base config.Loader
	if o.configPath != "" {
		base = fileloader.NewFileLoader(o.configPath)
	}
	return loaders.NewViperLoader(o.v, base).Load(ctx)
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Auth.Token != "" {
				cfg.Auth.Token = "<redacted>"
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

type runOptions struct {
	userID     string
	tenantID   string
	alertIDs   []string
	productIDs []string
	alertTypes []string
	metrics    bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect, subscribe and keep the local mirror in sync until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(cmd.Context())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.userID, "user", "", "user id of the signed-in identity")
	flags.StringVar(&opts.tenantID, "tenant", "", "tenant id of the signed-in identity")
	flags.StringSliceVar(&opts.alertIDs, "alert", nil, "alert ids to subscribe to")
	flags.StringSliceVar(&opts.productIDs, "product", nil, "product ids to subscribe to")
	flags.StringSliceVar(&opts.alertTypes, "alert-type", nil, "alert types to subscribe to")
	flags.BoolVar(&opts.metrics, "metrics", false, "subscribe to performance metrics")
	return cmd
}

func newLogger(cfg *config.Config) (*logger.Logger, *logger.RemoteSink, error) {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	profile, err := logger.ParseProfile(cfg.Logging.Profile)
	if err != nil {
		return nil, nil, err
	}

	hostname, _ := os.Hostname()
	opts := logger.Options{
		Profile:     profile,
		MinLevel:    level,
		ServiceName: serviceName,
		Metadata:    map[string]string{"hostname": hostname},
		TraceIDFn:   otel.GetTraceID,
		Events: logger.Events{
			Error: func(_ context.Context, r logger.Record) {
				if profile == logger.ProfileDevelopment {
					return
				}
				b, _ := json.Marshal(map[string]any{
					"time":    r.Time,
					"message": r.Message,
					"attrs":   r.Attributes,
				})
				fmt.Fprintln(os.Stderr, string(b))
			},
		},
	}
	if cfg.Logging.LocalBuffer {
		opts.Buffer = logger.NewRingBuffer(cfg.Logging.BufferCapacity)
	}

	var remote *logger.RemoteSink
	if cfg.Logging.Remote {
		remote = logger.NewRemoteSink(logger.RemoteSinkConfig{
			Transport: &logger.HTTPTransport{
				URL:    strings.TrimRight(cfg.Server.BaseURL, "/") + "/api/logs",
				Client: &http.Client{Timeout: 5 * time.Second},
			},
			Profile: profile,
			Enabled: true,
		})
		opts.Remote = remote
	}
	return logger.NewForProfile(opts), remote, nil
}

func run(ctx context.Context, cfg *config.Config, opts *runOptions) error {
	log, remote, err := newLogger(cfg)
	if err != nil {
		return err
	}
	if remote != nil {
		defer remote.Close()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers := otel.Providers{Tracer: noop.NewTracerProvider(), Meter: noopmetric.NewMeterProvider()}
	if cfg.Telemetry.Enabled {
		var teardown func(context.Context)
		providers, teardown, err = otel.InitTelemetry(log, otel.Config{
			ServiceName:        serviceName,
			ExporterEndpoint:   cfg.Telemetry.Endpoint,
			Probability:        1,
			ResourceAttributes: map[string]string{"library.language": "go"},
			InsecureExporter:   true,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer teardown(context.Background())
	}
	tracer := providers.Tracer.Tracer(serviceName)

	source, err := credentials.FromConfig(cfg.Auth)
	if err != nil {
		return err
	}
	token, err := source.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve credential: %w", err)
	}

	wsURL, err := channel.ChannelURL(cfg.Server.BaseURL)
	if err != nil {
		return err
	}
	sessionCfg := session.Config{
		Channel: channel.ClientConfig{
			URL:               wsURL,
			ConnectionTimeout: cfg.Channel.ConnectionTimeout,
			RequestTimeout:    cfg.Server.RequestTimeout,
			MaxRetries:        cfg.Channel.MaxRetries,
			RetryBaseDelay:    cfg.Channel.RetryBaseDelay,
			RetryMaxDelay:     cfg.Channel.RetryMaxDelay,
		},
		Polling: pollingConfig(cfg),
	}
	notifier := notify.LogNotifier{Logger: log.With("component", "notifications")}

	factory := func(id session.Identity, tokens credentials.Source) (*session.Session, error) {
		repo, err := httprepo.NewClient(httprepo.Config{
			BaseURL:           cfg.Server.BaseURL,
			Timeout:           cfg.Server.RequestTimeout,
			RequestsPerSecond: cfg.Server.RequestsPerSecond,
			Burst:             cfg.Server.Burst,
		}, nil, tokens, tracer)
		if err != nil {
			return nil, err
		}
		return session.New(id, sessionCfg, tokens, repo, notifier, log, tracer, providers.Meter)
	}
	manager := session.NewManager(factory, log)
	defer manager.Close(context.Background())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		identity := &session.Identity{UserID: opts.userID, TenantID: opts.tenantID, Token: token}
		if err := manager.SetIdentity(ctx, identity); err != nil {
			log.Warn(ctx, "Session started degraded", "error", err)
		}
		return subscribe(ctx, manager.Current(), opts)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info(context.Background(), "Shutting down")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func pollingConfig(cfg *config.Config) polling.Config {
	return polling.Config{
		Interval:       cfg.Polling.Interval,
		MaxInterval:    cfg.Polling.MaxInterval,
		RequestTimeout: cfg.Server.RequestTimeout,
	}
}

func subscribe(ctx context.Context, s *session.Session, opts *runOptions) error {
	if s == nil {
		return errors.New("no active session")
	}
	filter := realtime.AlertFilter{
		AlertIDs:   opts.alertIDs,
		ProductIDs: opts.productIDs,
		AlertTypes: opts.alertTypes,
	}
	if err := s.Subscriptions().SubscribeAlerts(ctx, filter); err != nil {
		return err
	}
	if opts.metrics {
		return s.Subscriptions().SubscribeMetrics(ctx)
	}
	return nil
}
