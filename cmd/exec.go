package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ticket-admission/config"
	"ticket-admission/handlers"
	"ticket-admission/internal/logging"
	"ticket-admission/internal/status"
	"ticket-admission/security"
	"ticket-admission/services"
	"ticket-admission/utils"
)

const shutdownTimeout = 15 * time.Second

// Execute runs the command line.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ticket-admission",
		Short:         "Issue and redeem single-use event tickets",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newServeCmd(),
		newKeygenCmd(),
		newIssueCmd(),
		newVerifyCmd(),
		newStatusCmd(),
		newStatsCmd(),
	)
	return root
}

// withApp loads configuration, builds the app, runs fn and tears the app
// down again.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg := config.LoadConfig()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.WithError(err).Warn("Shutdown incomplete")
		}
	}()

	return fn(ctx, a)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(security.BlockBots())

	opts := []handlers.HandlerOption{handlers.WithHealthCheck(a.healthCheck)}
	if a.hub != nil {
		opts = append(opts, handlers.WithHub(a.hub))
	}
	if a.lookup != nil {
		opts = append(opts, handlers.WithLookup(a.lookup))
	}

	issueLimiter := security.NewSlidingWindowLimiter(cfg.RateLimitMax, cfg.RateLimitWindow, nil)
	handlers.NewAdmissionHandler(a.service, a.log, opts...).Register(e, issueLimiter)

	if cfg.EnableMetrics {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.WithFields(logrus.Fields{
			"port":        cfg.Port,
			"environment": cfg.Environment,
		}).Info("Server starting")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		a.limiter.RunJanitor(ctx, limiterJanitorInterval)
		return nil
	})

	g.Go(func() error {
		issueLimiter.RunJanitor(ctx, limiterJanitorInterval)
		return nil
	})

	if cfg.EnableMetrics {
		g.Go(func() error {
			a.monitor.Run(ctx, cfg.StatsInterval)
			return nil
		})
	}

	return g.Wait()
}

func newKeygenCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a random TOKEN_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if size < 32 {
				return fmt.Errorf("secret must be at least 32 bytes")
			}
			secret, err := utils.GenerateSecret(size)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), secret)
			return err
		},
	}
	cmd.Flags().IntVar(&size, "bytes", 32, "secret size in bytes")
	return cmd
}

func newIssueCmd() *cobra.Command {
	var (
		eventID    string
		recipients []string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue tickets for an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(recipients) == 0 {
				return fmt.Errorf("at least one --recipient is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				results, err := a.service.IssueBatch(ctx, eventID, recipients)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), results)
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	cmd.Flags().StringSliceVar(&recipients, "recipient", nil, "recipient identity, repeatable")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var req services.VerifyRequest

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify and redeem a ticket token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				outcome, err := a.service.Verify(ctx, req)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), outcome); err != nil {
					return err
				}
				return status.FromOutcome(outcome)
			})
		},
	}
	cmd.Flags().StringVar(&req.Token, "token", "", "ticket token")
	cmd.Flags().StringVar(&req.Redeemer, "redeemer", "", "identity of the admitting gate or staff member")
	cmd.Flags().StringVar(&req.CallerKey, "device", "", "device id used for rate limiting")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("redeemer")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var ticketID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				ticket, err := a.service.Status(ctx, ticketID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ticket)
			})
		},
	}
	cmd.Flags().StringVar(&ticketID, "ticket", "", "ticket id")
	_ = cmd.MarkFlagRequired("ticket")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var eventID string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count an event's tickets by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				stats, err := a.service.Stats(ctx, eventID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
