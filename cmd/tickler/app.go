package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/nugget/tickler/internal/agent"
	"github.com/nugget/tickler/internal/buildinfo"
	"github.com/nugget/tickler/internal/config"
	"github.com/nugget/tickler/internal/conversation"
	"github.com/nugget/tickler/internal/database"
	"github.com/nugget/tickler/internal/events"
	"github.com/nugget/tickler/internal/httpkit"
	"github.com/nugget/tickler/internal/llm"
	"github.com/nugget/tickler/internal/notify"
	"github.com/nugget/tickler/internal/reminder"
	"github.com/nugget/tickler/internal/scheduler"
	signalcli "github.com/nugget/tickler/internal/signal"
	"github.com/nugget/tickler/internal/tools"
	"github.com/nugget/tickler/internal/users"
)

// databaseFile is the SQLite file name inside data_dir.
const databaseFile = "tickler.db"

// smsClientTimeout bounds one SMS gateway request.
const smsClientTimeout = 30 * time.Second

// app holds the components every command shares. Close releases them
// in reverse order of acquisition.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	loc    *time.Location

	db            *sql.DB
	conversations *conversation.Store
	reminders     *reminder.Store
	directory     *users.Directory
	bus           *events.Bus
	loop          *agent.Loop

	closers []func()
}

// newApp opens the database and builds the stores, the user directory
// and the agent loop.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, loc: loc, bus: events.New()}

	dbPath := filepath.Join(cfg.DataDir, databaseFile)
	a.db, err = database.Open(dbPath)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { a.db.Close() })
	logger.Info("database opened", "path", dbPath)

	if a.conversations, err = conversation.NewStore(a.db); err != nil {
		a.Close()
		return nil, fmt.Errorf("conversation store: %w", err)
	}
	if a.reminders, err = reminder.NewStore(a.db); err != nil {
		a.Close()
		return nil, fmt.Errorf("reminder store: %w", err)
	}
	if a.directory, err = users.NewDirectory(cfg.Users); err != nil {
		a.Close()
		return nil, fmt.Errorf("users: %w", err)
	}
	logger.Info("user directory loaded", "users", a.directory.Len())

	reg := tools.NewRegistry(logger)
	tools.NewReminderTools(a.reminders, loc).Register(reg)

	a.loop = agent.NewLoop(logger, newLLMClient(cfg.LLM, logger), a.conversations, reg, a.bus, agent.Config{
		Model:         cfg.LLM.Model,
		MaxIterations: cfg.LLM.MaxIterations,
		Location:      loc,
	})
	logger.Info("agent ready",
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"tools", reg.Names(),
		"timezone", loc.String(),
	)
	return a, nil
}

// onClose registers a release function for Close.
func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything acquired by newApp and later helpers.
func (a *app) Close() {
	for _, fn := range slices.Backward(a.closers) {
		fn()
	}
	a.closers = nil
}

// resolveUser returns the directory entry for id, or the first
// configured user when id is empty.
func (a *app) resolveUser(id string) (users.User, error) {
	if id == "" {
		if len(a.cfg.Users) == 0 {
			return users.User{}, errors.New("no users configured")
		}
		id = a.cfg.Users[0].ID
	}
	user, ok := a.directory.ByID(id)
	if !ok {
		return users.User{}, fmt.Errorf("unknown user %q", id)
	}
	return user, nil
}

// startSignal launches signal-cli and checks that it answers.
func (a *app) startSignal(ctx context.Context) (*signalcli.Client, error) {
	client := signalcli.NewClient(a.cfg.Signal, a.logger)
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("signal: %w", err)
	}
	a.onClose(func() {
		if err := client.Close(); err != nil {
			a.logger.Debug("signal-cli close", "error", err)
		}
	})

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		a.logger.Warn("signal-cli not responding yet", "error", err)
	}
	return client, nil
}

// newNotifier builds the outbound channel named by notify.channel. sig
// is the running signal-cli client, required for the signal channel.
func (a *app) newNotifier(ctx context.Context, sig *signalcli.Client) (notify.Notifier, error) {
	nc := a.cfg.Notify
	logger := a.logger

	var n notify.Notifier
	switch nc.Channel {
	case config.ChannelSignal:
		if sig == nil {
			return nil, errors.New("notify channel signal needs signal-cli running")
		}
		n = sig
	case config.ChannelSMS:
		client := httpkit.NewClient(
			httpkit.WithTimeout(smsClientTimeout),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
		)
		n = notify.NewSMSGateway(nc.SMS, client, logger)
	case config.ChannelEmail:
		n = notify.NewEmail(nc.Email, logger)
	case config.ChannelMQTT:
		m := notify.NewMQTT(nc.MQTT, logger)
		if err := m.Start(ctx); err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		a.onClose(func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := m.Stop(stopCtx); err != nil {
				logger.Warn("mqtt stop failed", "error", err)
			}
		})
		n = m
	default:
		n = notify.NewLog(logger)
	}

	logger.Info("notifier ready", "channel", nc.Channel)
	return n, nil
}

// newScheduler builds the delivery scheduler, holding the Redis replica
// lease when scheduler.redis_url is set.
func (a *app) newScheduler(ctx context.Context, notifier notify.Notifier) (*scheduler.Scheduler, error) {
	sc := a.cfg.Scheduler
	schedCfg := scheduler.Config{
		Interval:    sc.Interval,
		ClaimLease:  sc.ClaimLease,
		SendTimeout: sc.SendTimeout,
		Concurrency: sc.Concurrency,
		BatchSize:   sc.BatchSize,
		Location:    a.loc,
		StartIdle:   sc.StartIdle,
	}
	if sc.RedisURL != "" {
		locker, err := scheduler.NewRedisLocker(ctx, sc.RedisURL, sc.LockKey)
		if err != nil {
			return nil, fmt.Errorf("scheduler replica lock: %w", err)
		}
		a.onClose(func() { locker.Close() })
		schedCfg.Locker = locker
		a.logger.Info("scheduler replica lock enabled", "key", sc.LockKey)
	}
	return scheduler.New(a.logger, a.reminders, notifier, a.bus, schedCfg), nil
}

// newLLMClient picks the completion client for the configured provider.
func newLLMClient(cfg config.LLMConfig, logger *slog.Logger) llm.Client {
	if cfg.Provider == "anthropic" {
		return llm.NewAnthropicClient(cfg.BaseURL, cfg.APIKey, cfg.MaxTokens, logger)
	}
	return llm.NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.MaxTokens, logger)
}
