package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/sms-relay/internal/api"
	"github.com/LeventeLantos/sms-relay/internal/approval"
	"github.com/LeventeLantos/sms-relay/internal/cache"
	"github.com/LeventeLantos/sms-relay/internal/client"
	"github.com/LeventeLantos/sms-relay/internal/config"
	"github.com/LeventeLantos/sms-relay/internal/ledger"
	"github.com/LeventeLantos/sms-relay/internal/logging"
	"github.com/LeventeLantos/sms-relay/internal/repo"
	"github.com/LeventeLantos/sms-relay/internal/scheduler"
	"github.com/LeventeLantos/sms-relay/internal/service"
	"github.com/LeventeLantos/sms-relay/internal/subscription"
)

const shutdownTimeout = time.Minute

func newServeCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			cfg, err := config.LoadAll()
			if err != nil {
				return err
			}

			log, err := logging.New(logging.Options{
				Level:   cfg.Log.Level,
				Format:  cfg.Log.Format,
				Service: "sms-relay",
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync() //nolint:errcheck

			return serve(ctx, cfg, log, migrate)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply the schema before serving")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, migrate bool) error {
	db, err := repo.Open(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	store := repo.NewStore(db)
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
		log.Info("store disconnected")
	}()

	if migrate {
		if err := repo.Migrate(ctx, db); err != nil {
			return err
		}
	}

	claims, stopClaims, err := newClaimStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stopClaims()

	repos := store.Repos()
	writer := ledger.NewWriter(store, log.Named("ledger"))
	sender := service.NewSender(
		client.NewTwilioClient(cfg.Twilio.BaseURL, cfg.Twilio.AccountSID, cfg.Twilio.AuthToken),
		writer,
		cfg.Twilio.SendNumber,
		log.Named("sender"),
	).WithSubscribeMessage(cfg.SubscribeMessage)
	broadcaster := service.NewBroadcaster(repos.Subscribers, sender, cfg.TestRecipient, log.Named("broadcast"))

	inbound := subscription.NewHandler(
		repos.Subscribers,
		writer,
		sender,
		subscription.Keywords{Subscribe: cfg.Keywords.Subscribe, Unsubscribe: cfg.Keywords.Unsubscribe},
		cfg.Twilio.SendNumber,
		log.Named("inbound"),
	)

	var deny []string
	if cfg.Slack.BotUserID != "" {
		deny = append(deny, cfg.Slack.BotUserID)
	}
	workflow := approval.NewWorkflow(
		client.NewSlackClient(cfg.Slack.BaseURL, cfg.Slack.BotToken),
		broadcaster,
		claims,
		approval.Options{Channel: cfg.Slack.ChannelID, Denylist: deny, Allowlist: cfg.Slack.AllowedUsers},
		log.Named("approval"),
	)

	h := api.NewHandler(api.Deps{
		Subscribers:  repos.Subscribers,
		Messages:     repos.Messages,
		Confirmer:    sender,
		Broadcaster:  broadcaster,
		Inbound:      inbound,
		Proposals:    workflow,
		SystemNumber: cfg.Twilio.SendNumber,
		Log:          log.Named("api"),
	})

	srv := &http.Server{
		Addr: cfg.Server.Address,
		Handler: loggingMiddleware(log.Named("http"), api.Router(h, api.RouterConfig{
			APIKeys:            cfg.Auth.APIKeys,
			SlackSigningSecret: cfg.Slack.SigningSecret,
		})),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("relay listening",
			zap.String("addr", cfg.Server.Address),
			zap.Bool("redis", cfg.Redis.Enabled),
			zap.String("channel", cfg.Slack.ChannelID),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		log.Info("http server stopped")

		// Approved broadcasts run past their request; let them finish
		// before the store closes.
		if err := h.Wait(shutdownCtx); err != nil {
			return fmt.Errorf("drain slack work: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// newClaimStore picks Redis when configured and otherwise an in-memory set
// pruned by a background janitor. The returned func releases either.
func newClaimStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (cache.ClaimStore, func(), error) {
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		claims := cache.NewRedisClaims(rdb, cfg.Redis.ClaimTTL)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := claims.Ping(pingCtx); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return claims, func() { _ = rdb.Close() }, nil
	}

	claims := cache.NewMemoryClaims(cfg.Redis.ClaimTTL)
	janitorLog := log.Named("janitor")
	janitor, err := scheduler.New("claims-janitor", cfg.Janitor.Interval, func(ctx context.Context) {
		if n := claims.Prune(ctx); n > 0 {
			janitorLog.Debug("pruned expired claims", zap.Int("count", n), zap.Int("remaining", claims.Len()))
		}
	}, janitorLog)
	if err != nil {
		return nil, nil, err
	}
	janitor.Start(ctx)
	return claims, func() { janitor.Stop() }, nil
}
