package flow

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/signalix/autoresponder/internal/metrics"
	"github.com/signalix/autoresponder/internal/model"
	"github.com/signalix/autoresponder/internal/transport"
)

const (
	typingPerChar    = 50 * time.Millisecond
	maxTypingTime    = 2 * time.Second
	imagePresenceFor = 1 * time.Second
	audioPresenceFor = 2 * time.Second
)

// Messenger is the outbound half of a transport connection
type Messenger interface {
	SendText(ctx context.Context, to, text string) error
	SendImage(ctx context.Context, to string, media transport.MediaSource, caption string) error
	SendAudio(ctx context.Context, to string, media transport.MediaSource, voiceNote bool, mimetype string) error
	SetPresence(ctx context.Context, to string, state transport.Presence) error
}

// Sleeper suspends for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Config configures an Executor
type Config struct {
	// Location is the reference zone for time-of-day variants
	Location *time.Location
	// UploadDir is where locators under UploadPrefix live on disk
	UploadDir    string
	UploadPrefix string
}

// Executor replays response steps against a connection
type Executor struct {
	cfg     Config
	sleep   Sleeper
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option customizes an Executor
type Option func(*Executor)

// WithSleeper replaces the real sleep
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an Executor
func NewExecutor(cfg Config, log *zap.Logger, m *metrics.Metrics, opts ...Option) *Executor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		cfg:     cfg,
		sleep:   Sleep,
		now:     time.Now,
		log:     log,
		metrics: m,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs steps strictly in ascending position order. A failing step is logged
// and the remaining steps still run. Execution stops early only when ctx is done.
func (e *Executor) Execute(ctx context.Context, conn Messenger, to string, steps []model.Step) {
	ordered := make([]model.Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	for _, step := range ordered {
		if err := ctx.Err(); err != nil {
			e.log.Info("flow_aborted", zap.String("to", to), zap.Int("position", step.Position), zap.Error(err))
			return
		}
		if step.Options == nil {
			e.log.Warn("flow_step_skipped", zap.String("kind", string(step.Kind)), zap.Int("position", step.Position))
			e.metrics.StepExecuted(step.Kind, "skipped")
			continue
		}
		if err := e.run(ctx, conn, to, step); err != nil {
			e.log.Warn("flow_step_failed",
				zap.String("to", to),
				zap.String("kind", string(step.Kind)),
				zap.Int("position", step.Position),
				zap.Error(err),
			)
			e.metrics.StepExecuted(step.Kind, "error")
			continue
		}
		e.metrics.StepExecuted(step.Kind, "ok")
	}
	e.metrics.FlowExecuted()
}

func (e *Executor) run(ctx context.Context, conn Messenger, to string, step model.Step) error {
	switch opts := step.Options.(type) {
	case model.DelayOptions:
		return e.sleep(ctx, opts.Duration)

	case model.TextOptions:
		text := e.selectText(step.Content, opts.Variants)
		if opts.SimulateTyping {
			e.presence(ctx, conn, to, transport.PresenceComposing)
			if err := e.sleep(ctx, TypingDuration(text)); err != nil {
				return err
			}
		}
		if err := conn.SendText(ctx, to, text); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
		if opts.SimulateTyping {
			e.presence(ctx, conn, to, transport.PresencePaused)
		}
		return nil

	case model.ImageOptions:
		if opts.SimulatePresence {
			e.presence(ctx, conn, to, transport.PresenceComposing)
			if err := e.sleep(ctx, imagePresenceFor); err != nil {
				return err
			}
		}
		if err := conn.SendImage(ctx, to, e.ResolveMedia(step.Content), opts.Caption); err != nil {
			return fmt.Errorf("send image: %w", err)
		}
		return nil

	case model.AudioOptions:
		if opts.SimulatePresence {
			e.presence(ctx, conn, to, transport.PresenceRecording)
			if err := e.sleep(ctx, audioPresenceFor); err != nil {
				return err
			}
		}
		if err := conn.SendAudio(ctx, to, e.ResolveMedia(step.Content), opts.VoiceNote, opts.Mimetype); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unsupported step options %T", step.Options)
}

// presence failures only cost the humanizing effect, never the send
func (e *Executor) presence(ctx context.Context, conn Messenger, to string, state transport.Presence) {
	if err := conn.SetPresence(ctx, to, state); err != nil {
		e.log.Debug("presence_update_failed", zap.String("to", to), zap.String("state", string(state)), zap.Error(err))
	}
}

// selectText returns the first variant covering the current hour, else base
func (e *Executor) selectText(base string, variants []model.TimeVariant) string {
	if len(variants) == 0 {
		return base
	}
	hour := e.now().In(e.cfg.Location).Hour()
	for _, v := range variants {
		if v.Matches(hour) {
			return v.Content
		}
	}
	return base
}

// ResolveMedia maps a step locator to a send source. Locators under the upload
// prefix become local paths; everything else is a remote URL.
func (e *Executor) ResolveMedia(locator string) transport.MediaSource {
	locator = strings.TrimSpace(locator)
	if e.cfg.UploadPrefix != "" && strings.HasPrefix(locator, e.cfg.UploadPrefix) {
		name := filepath.Base(strings.TrimPrefix(locator, e.cfg.UploadPrefix))
		return transport.MediaSource{Path: filepath.Join(e.cfg.UploadDir, name)}
	}
	return transport.MediaSource{URL: locator}
}

// TypingDuration is how long "composing" shows before text is sent
func TypingDuration(text string) time.Duration {
	d := time.Duration(len([]rune(text))) * typingPerChar
	if d > maxTypingTime {
		return maxTypingTime
	}
	return d
}
