package signal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/tickler/internal/agent"
	"github.com/nugget/tickler/internal/events"
	"github.com/nugget/tickler/internal/prompts"
	"github.com/nugget/tickler/internal/users"
)

// Runner runs one agent turn. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, req *agent.Request, sink agent.EventSink) (*agent.Response, error)
}

// handleTimeout bounds one inbound message, agent run and reply included.
const handleTimeout = 5 * time.Minute

// replyTimeout bounds the reply send, which runs even after the run
// itself timed out.
const replyTimeout = 30 * time.Second

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval is how often idle senders are evicted from the
// rate limiter.
const cleanupInterval = 10 * time.Minute

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client    *Client
	Runner    Runner
	Directory *users.Directory
	Bus       *events.Bus
	Logger    *slog.Logger
	RateLimit int // messages per sender per minute; 0 = unlimited
}

// Bridge turns Signal texts from known users into agent runs and sends
// the answers back.
type Bridge struct {
	client    *Client
	runner    Runner
	directory *users.Directory
	bus       *events.Bus
	logger    *slog.Logger
	rateLimit int
	now       func() time.Time

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

// NewBridge creates a bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		client:      cfg.Client,
		runner:      cfg.Runner,
		directory:   cfg.Directory,
		bus:         cfg.Bus,
		logger:      logger.With("component", "signal_bridge"),
		rateLimit:   cfg.RateLimit,
		now:         time.Now,
		senderTimes: make(map[string][]time.Time),
	}
}

// Start handles inbound messages until ctx is cancelled or the client
// stops delivering them. Messages are handled one at a time.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("signal bridge started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("signal bridge shutting down")
			return
		case env, ok := <-b.client.Messages():
			if !ok {
				b.logger.Info("signal message channel closed, bridge stopping")
				return
			}
			b.dispatch(ctx, env)
		}
	}
}

// dispatch filters an envelope and hands accepted ones to handleMessage.
func (b *Bridge) dispatch(ctx context.Context, env *Envelope) {
	sender := env.Sender()
	if sender == "" || env.Text() == "" {
		b.logger.Debug("signal ignoring non-text envelope", "sender", sender)
		return
	}
	if env.DataMessage.GroupInfo != nil {
		b.logger.Debug("signal ignoring group message",
			"sender", sender,
			"group", env.DataMessage.GroupInfo.GroupID,
		)
		return
	}

	user, ok := b.directory.ByPhone(sender)
	if !ok {
		b.logger.Warn("signal message from unknown sender dropped", "sender", sender)
		return
	}
	if !b.allowSender(user.Phone) {
		b.logger.Warn("signal message rate-limited", "sender", sender, "user_id", user.ID)
		return
	}

	if err := b.client.SendReceipt(ctx, sender, env.MessageTimestamp()); err != nil {
		b.logger.Warn("signal read receipt failed", "sender", sender, "error", err)
	}
	b.handleMessage(ctx, user, sender, env.Text())
}

// handleMessage runs text through the agent in the user's phone
// conversation and replies to sender.
func (b *Bridge) handleMessage(ctx context.Context, user users.User, sender, text string) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	b.bus.Emit(events.SourceSignal, events.KindMessageReceived, map[string]any{
		"sender":      sender,
		"user_id":     user.ID,
		"message_len": len(text),
	})
	b.logger.Info("signal message received",
		"sender", sender,
		"user_id", user.ID,
		"message_len", len(text),
	)

	if err := b.client.SendTyping(ctx, sender, false); err != nil {
		b.logger.Debug("signal typing indicator failed", "error", err)
	}

	resp, err := b.runner.Run(ctx, &agent.Request{
		UserID:      user.ID,
		PhoneNumber: user.Phone,
		Message:     text,
	}, nil)

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer stopCancel()
	if typErr := b.client.SendTyping(stopCtx, sender, true); typErr != nil {
		b.logger.Debug("signal typing stop failed", "error", typErr)
	}

	reply := prompts.ErrorReply
	if err != nil {
		b.logger.Error("signal agent run failed", "sender", sender, "user_id", user.ID, "error", err)
	} else {
		b.logger.Info("signal agent run completed",
			"sender", sender,
			"conversation_id", resp.ConversationID,
			"iterations", resp.Iterations,
			"response_len", len(resp.Content),
		)
		reply = resp.Content
	}
	if reply == "" {
		return
	}

	replyCtx, replyCancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer replyCancel()
	if _, err := b.client.SendMessage(replyCtx, sender, reply); err != nil {
		b.logger.Error("signal reply send failed", "sender", sender, "error", err)
	}
}

// allowSender reports whether sender is under the per-minute limit and
// records the attempt if so.
func (b *Bridge) allowSender(sender string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := b.now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	times := b.senderTimes[sender]
	valid := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) >= b.rateLimit {
		b.senderTimes[sender] = valid
		return false
	}
	b.senderTimes[sender] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts senders idle for two windows. b.mu must be
// held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, times := range b.senderTimes {
		if len(times) == 0 || times[len(times)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}
