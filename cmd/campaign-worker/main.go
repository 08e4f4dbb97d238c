package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/campaignkit/campaign-worker/internal/analytics"
	"github.com/campaignkit/campaign-worker/internal/config"
	"github.com/campaignkit/campaign-worker/internal/handlers"
	"github.com/campaignkit/campaign-worker/internal/idempotency"
	"github.com/campaignkit/campaign-worker/internal/metrics"
	"github.com/campaignkit/campaign-worker/internal/notify"
	"github.com/campaignkit/campaign-worker/internal/producer"
	"github.com/campaignkit/campaign-worker/internal/providers"
	"github.com/campaignkit/campaign-worker/internal/reschedule"
	"github.com/campaignkit/campaign-worker/internal/retry"
	"github.com/campaignkit/campaign-worker/internal/router"
	"github.com/campaignkit/campaign-worker/internal/store"
	"github.com/campaignkit/campaign-worker/internal/transport"
	"github.com/campaignkit/campaign-worker/pkg/messages"
	"github.com/spf13/cobra"
)

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.TransportType {
	case "rabbitmq":
		tp, err := transport.NewRabbitMQTransport(ctx, transport.RabbitMQConfig{
			URL:                cfg.RabbitMQURL,
			Exchange:           cfg.RabbitMQExchange,
			PrefetchCount:      cfg.RabbitMQPrefetch,
			QueueRetryAttempts: cfg.QueueRetryAttempts,
			QueueRetryBackoff:  cfg.QueueRetryBackoff,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create RabbitMQ transport: %w", err)
		}
		slog.Info("RabbitMQ transport initialized", "exchange", cfg.RabbitMQExchange)
		return tp, nil
	case "sqs":
		tp, err := transport.NewSQSTransport(ctx, transport.SQSConfig{
			Region:                cfg.SQSRegion,
			BaseURL:               cfg.SQSBaseURL,
			VisibilityTimeout:     cfg.SQSVisibilityTimeout,
			WaitTimeSeconds:       cfg.SQSWaitTimeSeconds,
			NackVisibilityTimeout: cfg.SQSNackVisibilityTimeout,
			QueueRetryAttempts:    cfg.QueueRetryAttempts,
			QueueRetryBackoff:     cfg.QueueRetryBackoff,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS transport: %w", err)
		}
		slog.Info("SQS transport initialized",
			"region", cfg.SQSRegion,
			"baseURL", cfg.SQSBaseURL,
			"visibilityTimeout", cfg.SQSVisibilityTimeout,
			"waitTimeSeconds", cfg.SQSWaitTimeSeconds)
		return tp, nil
	default:
		return nil, fmt.Errorf("unsupported transport type %q", cfg.TransportType)
	}
}

// newStore returns the Postgres store, or the in-memory one when no database
// is configured.
func newStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("No database configured, work records are kept in memory")
		return store.NewMemoryStore(), func() {}, nil
	}
	pg, err := store.NewPgStore(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: cfg.DBMaxConnLife,
		MaxConnIdleTime: cfg.DBMaxConnIdle,
	})
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func newClaimer(ctx context.Context, cfg *config.Config) (idempotency.Claimer, func(), error) {
	if cfg.RedisURL == "" {
		slog.Warn("No Redis configured, notification claims are per process")
		return idempotency.NewMemoryClaimer(), func() {}, nil
	}
	client, err := idempotency.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return idempotency.NewRedisClaimer(client, cfg.IdempotencyPrefix), func() { _ = client.Close() }, nil
}

func newNotifier(cfg *config.Config) notify.Notifier {
	if cfg.SlackWebhookURL == "" {
		return notify.LogNotifier{}
	}
	return notify.NewSlackNotifier(cfg.SlackWebhookURL, cfg.SideEffectTimeout)
}

func newAnalyticsSink(cfg *config.Config) analytics.Sink {
	if cfg.SegmentWriteKey == "" {
		return analytics.Noop{}
	}
	return analytics.NewSegmentClient(cfg.SegmentEndpoint, cfg.SegmentWriteKey, cfg.SideEffectTimeout)
}

// buildDeps wires the collaborators shared by every handler.
func buildDeps(cfg *config.Config, s store.Store, claims idempotency.Claimer, tp transport.Transport, m *metrics.Metrics) handlers.Deps {
	sender := notify.NewSender(newNotifier(cfg), m)
	d := handlers.Deps{
		Store:       s,
		Tracker:     retry.NewTracker(s, sender, m, cfg.EscalationThreshold),
		Notifier:    sender,
		Analytics:   analytics.NewReporter(newAnalyticsSink(cfg), m),
		Claims:      claims,
		Rescheduler: reschedule.New(producer.New(tp, cfg.QueueName, m), cfg.RescheduleDelay, m),
		Metrics:     m,
		Content:     providers.NewClient("content", cfg.ContentProviderURL, cfg.ProviderAPIKey, cfg.ProviderTimeout),
		Elections:   providers.NewClient("elections", cfg.ElectionProviderURL, cfg.ProviderAPIKey, cfg.ProviderTimeout),
		Compliance:  providers.NewClient("compliance", cfg.ComplianceProviderURL, cfg.ProviderAPIKey, cfg.ProviderTimeout),
	}
	// Nothing can seed an in-memory store, so records start on first delivery
	d.CreateMissing = cfg.DatabaseURL == ""
	if cfg.ViabilityProviderURL != "" {
		d.Viability = providers.NewClient("viability", cfg.ViabilityProviderURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)
	}
	return d
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateProviders(); err != nil {
		return err
	}

	tp, err := newTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tp.Close() }()

	s, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	claims, closeClaims, err := newClaimer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeClaims()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		slog.Info("Metrics enabled", "addr", cfg.MetricsAddr, "namespace", cfg.MetricsNamespace)
		m = metrics.NewMetrics(cfg.MetricsNamespace)
		go func() {
			if err := m.StartMetricsServer(ctx, cfg.MetricsAddr); err != nil {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	} else {
		slog.Info("Metrics disabled")
	}

	deps := buildDeps(cfg, s, claims, tp, m)
	r := router.NewRouter(tp, cfg.QueueName, cfg.TransportType, handlers.NewRegistry(deps), deps.Notifier, m)

	slog.Info("Starting message processing", "queue", cfg.QueueName)
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("router error: %w", err)
	}
	slog.Info("Worker shutdown complete")
	return nil
}

// parseMessage builds and validates a message from its type and data JSON.
func parseMessage(msgType, data string) (messages.Message, error) {
	body, err := json.Marshal(messages.Envelope{
		Type:    messages.Type(msgType),
		Version: messages.CurrentVersion,
		Data:    json.RawMessage(data),
	})
	if err != nil {
		return nil, fmt.Errorf("data is not valid JSON: %w", err)
	}
	return messages.Decode(body)
}

// enqueueMessage optionally seeds the pending work record, then sends msg.
func enqueueMessage(ctx context.Context, p *producer.Producer, s store.Store, msg messages.Message, groupKey, userID string) (transport.Receipt, error) {
	if s != nil {
		rec, err := handlers.RecordFor(msg, userID)
		if err != nil {
			return transport.Receipt{}, err
		}
		if err := s.Create(ctx, rec); err != nil && !errors.Is(err, store.ErrConflict) {
			return transport.Receipt{}, fmt.Errorf("failed to create work record: %w", err)
		}
	}
	return p.Send(ctx, msg, groupKey)
}

// queueSpec is the job queue layout setup-queues provisions.
func queueSpec(cfg *config.Config) transport.QueueSpec {
	dlq := cfg.DeadLetterQueue
	if dlq == "" {
		dlq = transport.DeadLetterName(cfg.QueueName)
	}
	return transport.QueueSpec{
		Name:            cfg.QueueName,
		DeadLetterName:  dlq,
		MaxReceiveCount: cfg.MaxReceiveCount,
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:           "campaign-worker",
		Short:         "Campaign background job worker",
		Long:          "Consumes campaign jobs (AI content, path to victory, 10DLC compliance checks) from the job queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			cfg = loaded
			slog.SetDefault(newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat))
			return nil
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Consume and process jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("Starting campaign worker", "transport", cfg.TransportType, "queue", cfg.QueueName, "logLevel", cfg.LogLevel)
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runWorker(ctx, cfg)
		},
	}

	enqueueCmd := &cobra.Command{
		Use:   "enqueue <type> <data-json>",
		Short: "Validate and send one job to the queue",
		Example: `  campaign-worker enqueue generateAiContent '{"campaignId":7,"slug":"bio"}'
  campaign-worker enqueue tcrComplianceStatusCheck '{"tcrComplianceId":"tcr-1","campaignId":7}' --seed`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupKey, _ := cmd.Flags().GetString("group-key")
			seed, _ := cmd.Flags().GetBool("seed")
			userID, _ := cmd.Flags().GetString("user-id")

			msg, err := parseMessage(args[0], args[1])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			tp, err := newTransport(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tp.Close() }()

			var s store.Store
			if seed {
				if cfg.DatabaseURL == "" {
					return errors.New("--seed requires WORKER_DATABASE_URL")
				}
				pg, closeStore, err := newStore(ctx, cfg)
				if err != nil {
					return err
				}
				defer closeStore()
				s = pg
			}

			receipt, err := enqueueMessage(ctx, producer.New(tp, cfg.QueueName, nil), s, msg, groupKey, userID)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s (message id %s)\n", msg.Type(), cfg.QueueName, receipt.MessageID)
			return nil
		},
	}
	enqueueCmd.Flags().String("group-key", "", "Override the message's default group key")
	enqueueCmd.Flags().Bool("seed", false, "Create the pending work record before sending")
	enqueueCmd.Flags().String("user-id", "", "User id stored on a seeded work record")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the work record table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DatabaseURL == "" {
				return errors.New("WORKER_DATABASE_URL is required")
			}
			pg, err := store.NewPgStore(cmd.Context(), cfg.DatabaseURL, store.PoolConfig{MaxConns: 1})
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			slog.Info("Schema migrated")
			return nil
		},
	}

	setupQueuesCmd := &cobra.Command{
		Use:   "setup-queues",
		Short: "Create the job queue and its dead-letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			tp, err := newTransport(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tp.Close() }()

			p, ok := tp.(transport.Provisioner)
			if !ok {
				return fmt.Errorf("transport %s cannot provision queues", cfg.TransportType)
			}
			spec := queueSpec(cfg)
			if err := p.EnsureQueue(cmd.Context(), spec); err != nil {
				return err
			}
			slog.Info("Queues ready", "queue", spec.Name, "deadLetterQueue", spec.DeadLetterName, "maxReceiveCount", spec.MaxReceiveCount)
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, enqueueCmd, migrateCmd, setupQueuesCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
