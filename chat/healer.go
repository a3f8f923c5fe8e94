package chat

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chatsync/logging"
	"chatsync/models"
)

// Healer defaults.
const (
	DefaultHealInterval    = 10 * time.Second
	DefaultHealCooldown    = 30 * time.Second
	DefaultDirectThreshold = 3
	DefaultGroupThreshold  = 5
	DefaultFreshWindow     = 60 * time.Second
)

// HealerOptions tunes the loss-detection heuristic.
type HealerOptions struct {
	Interval        time.Duration
	Cooldown        time.Duration
	DirectThreshold int
	GroupThreshold  int
	// FreshWindow is how old the oldest loaded message must be before a
	// short list counts as suspicious.
	FreshWindow time.Duration
	Logger      *zap.Logger
}

func (o HealerOptions) withDefaults() HealerOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultHealInterval
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultHealCooldown
	}
	if o.DirectThreshold <= 0 {
		o.DirectThreshold = DefaultDirectThreshold
	}
	if o.GroupThreshold <= 0 {
		o.GroupThreshold = DefaultGroupThreshold
	}
	if o.FreshWindow <= 0 {
		o.FreshWindow = DefaultFreshWindow
	}
	return o
}

// Healer is a best-effort background check that reloads page 1 when the
// active list looks like it lost history. It is not part of the engine's
// correctness and is simply not started in tests that do not want it.
type Healer struct {
	engine  *Engine
	options HealerOptions
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHealer builds a healer for engine.
func NewHealer(engine *Engine, options HealerOptions) *Healer {
	options = options.withDefaults()
	return &Healer{
		engine:  engine,
		options: options,
		limiter: rate.NewLimiter(rate.Every(options.Cooldown), 1),
		logger:  logging.OrNop(options.Logger).Named("healer"),
	}
}

// Run checks on every interval until ctx is done.
func (h *Healer) Run(ctx context.Context) {
	ticker := time.NewTicker(h.options.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check runs one heuristic pass and reports whether a refresh was issued.
func (h *Healer) Check(ctx context.Context) bool {
	if !h.suspicious() {
		return false
	}
	if !h.limiter.Allow() {
		return false
	}

	h.engine.metrics.Heal()
	h.logger.Info("self_heal_refresh", zap.Stringer("target", h.engine.Cursor().Target))
	if err := h.engine.LoadPage(ctx, 1); err != nil {
		h.logger.Warn("self_heal_refresh_failed", zap.Error(err))
	}
	return true
}

// suspicious reports whether the active list is shorter than its threshold
// while evidence says more history exists, and no page-1 load happened
// within the cooldown.
func (h *Healer) suspicious() bool {
	e := h.engine
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	target := e.cursor.Target
	if target.IsZero() {
		return false
	}
	if !e.lastRefresh.IsZero() && now.Sub(e.lastRefresh) < h.options.Cooldown {
		return false
	}

	threshold := h.options.DirectThreshold
	if target.Kind == models.KindGroup {
		threshold = h.options.GroupThreshold
	}
	confirmed := 0
	var oldest time.Time
	for _, m := range e.messages {
		if m.ID == "" {
			continue
		}
		if confirmed == 0 {
			oldest = m.CreatedAt
		}
		confirmed++
	}
	if confirmed >= threshold {
		return false
	}

	if confirmed == 0 {
		conv, ok := e.conversations[target]
		return ok && conv.LastMessageID != ""
	}
	if now.Sub(oldest) < h.options.FreshWindow {
		return false
	}
	return confirmed < e.loadedCount || e.cursor.HasMore
}
