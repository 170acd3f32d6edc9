package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/glimte/rabbitcore"
	"github.com/glimte/rabbitcore/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rabbitcore",
		Short: "Send and consume messages with broker confirms",
		Long: `rabbitcore publishes with publisher confirms and consumes through a
self-healing subscription. Settings come from a YAML file and RABBITCORE_* environment variables.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML settings file")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newSendCommand(flags),
		newConsumeCommand(flags),
		newServeCommand(flags),
	)

	return rootCmd
}

func (f *globalFlags) logger() *slog.Logger {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (f *globalFlags) client(options ...rabbitcore.ClientOption) (*rabbitcore.Client, error) {
	options = append([]rabbitcore.ClientOption{rabbitcore.WithLogger(f.logger())}, options...)
	client, err := rabbitcore.NewClientFromFile(f.configPath, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newSendCommand(flags *globalFlags) *cobra.Command {
	var (
		contentType string
		headers     map[string]string
		mandatory   bool
		transient   bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <exchange> <routing-key> <body>",
		Short: "Publish one message and wait for the broker's verdict",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			table := rabbitcore.Headers{}
			for k, v := range headers {
				table[k] = v
			}

			completion, err := client.Send(ctx, args[0], args[1], table, contentType, []byte(args[2]),
				rabbitcore.WithMandatory(mandatory),
				rabbitcore.WithPersistent(!transient))
			if err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}

			if err := completion.Wait(ctx); err != nil {
				return fmt.Errorf("message %s not confirmed: %w", completion.MessageID(), err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "confirmed %s\n", completion.MessageID())
			return nil
		},
	}

	cmd.Flags().StringVarP(&contentType, "content-type", "t", "text/plain", "Content type of the body")
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "Message header as key=value (repeatable)")
	cmd.Flags().BoolVarP(&mandatory, "mandatory", "m", false, "Fail the send when no queue is bound")
	cmd.Flags().BoolVar(&transient, "transient", false, "Publish with transient delivery mode")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall time to wait for the outcome")

	return cmd
}

func newConsumeCommand(flags *globalFlags) *cobra.Command {
	var (
		prefetch int
		autoAck  bool
		requeue  bool
	)

	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Print messages from a queue until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, err := flags.client()
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			handler := func(_ context.Context, msg *rabbitcore.ConsumedMessage) {
				fmt.Fprintf(out, "[%s] %s %s\n", msg.RoutingKey, msg.MessageID, msg.Body)
				if !msg.CanAck() {
					return
				}
				var settleErr error
				if requeue {
					settleErr = msg.Nack(true)
				} else {
					settleErr = msg.Ack()
				}
				if settleErr != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "settle failed: %v\n", settleErr)
				}
			}

			sub, err := client.SubscribeToConsume(ctx, args[0], handler,
				rabbitcore.WithPrefetchCount(prefetch),
				rabbitcore.WithAutoAck(autoAck),
				rabbitcore.WithFailureHandler(func(err error) {
					fmt.Fprintf(cmd.ErrOrStderr(), "consumer failed, recreating: %v\n", err)
				}))
			if err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			fmt.Fprintf(out, "Consuming %s... Press Ctrl+C to stop\n", args[0])
			<-ctx.Done()

			return sub.Unsubscribe()
		},
	}

	cmd.Flags().IntVarP(&prefetch, "prefetch", "p", 200, "Prefetch count")
	cmd.Flags().BoolVar(&autoAck, "auto-ack", false, "Let the broker settle deliveries")
	cmd.Flags().BoolVar(&requeue, "requeue", false, "Nack with requeue instead of ack")

	return cmd
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	var (
		listen string
		queues []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume queues and expose /healthz and /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			logger := flags.logger()
			reg := prometheus.NewRegistry()

			client, err := flags.client(rabbitcore.WithMetrics(reg))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			for _, queue := range queues {
				queue := queue
				sub, err := client.SubscribeToConsume(ctx, queue, func(_ context.Context, msg *rabbitcore.ConsumedMessage) {
					logger.Info("message received",
						"queue", queue,
						"messageId", msg.MessageID,
						"routingKey", msg.RoutingKey,
						"size", len(msg.Body))
					if msg.CanAck() {
						if err := msg.Ack(); err != nil {
							logger.Warn("ack failed", "queue", queue, "error", err)
						}
					}
				})
				if err != nil {
					return fmt.Errorf("failed to subscribe to %s: %w", queue, err)
				}
				client.Health().Register(health.NewSubscriptionChecker(sub))
			}

			app := newServer(client.Health(), reg)

			errCh := make(chan error, 1)
			go func() {
				errCh <- app.Listen(listen)
			}()
			logger.Info("serving health and metrics", "address", listen, "queues", queues)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("server shutdown failed", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":9090", "HTTP listen address")
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "Queue to consume (repeatable)")

	return cmd
}

// newServer builds the HTTP surface of the serve command.
func newServer(registry *health.Registry, gatherer prometheus.Gatherer) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Get("/healthz", adaptor.HTTPHandler(health.Handler(registry, 5*time.Second)))
	app.Get("/livez", adaptor.HTTPHandlerFunc(health.LivenessHandler()))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return app
}
