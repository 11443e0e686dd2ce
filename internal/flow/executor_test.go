package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/autoresponder/internal/metrics"
	"github.com/signalix/autoresponder/internal/model"
	"github.com/signalix/autoresponder/internal/transport"
)

const uploadPrefix = "/api/static/uploads/"

// recorder is a Messenger that writes every call, and every sleep, to one transcript
type recorder struct {
	mu      sync.Mutex
	lines   []string
	failImg error
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *recorder) transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n") + "\n"
}

func media(m transport.MediaSource) string {
	if m.Path != "" {
		return "path=" + m.Path
	}
	return "url=" + m.URL
}

func (r *recorder) SendText(_ context.Context, to, text string) error {
	r.add("text to=%s %q", to, text)
	return nil
}

func (r *recorder) SendImage(_ context.Context, to string, m transport.MediaSource, caption string) error {
	if r.failImg != nil {
		return r.failImg
	}
	r.add("image to=%s %s caption=%q", to, media(m), caption)
	return nil
}

func (r *recorder) SendAudio(_ context.Context, to string, m transport.MediaSource, voiceNote bool, mimetype string) error {
	r.add("audio to=%s %s ptt=%t mimetype=%s", to, media(m), voiceNote, mimetype)
	return nil
}

func (r *recorder) SetPresence(_ context.Context, to string, state transport.Presence) error {
	r.add("presence to=%s %s", to, state)
	return nil
}

func (r *recorder) sleeper() Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		r.add("sleep %s", d)
		return ctx.Err()
	}
}

func newTestExecutor(r *recorder, m *metrics.Metrics, opts ...Option) *Executor {
	cfg := Config{
		Location:     time.FixedZone("CST", -6*60*60),
		UploadDir:    "public/uploads",
		UploadPrefix: uploadPrefix,
	}
	return NewExecutor(cfg, nil, m, append([]Option{WithSleeper(r.sleeper())}, opts...)...)
}

func step(position int, kind model.StepKind, content, options string) model.Step {
	s, _ := model.DecodeStep(uuid.New(), position, kind, content, []byte(options))
	return s
}

func TestExecute_transcript(t *testing.T) {
	r := &recorder{}
	e := newTestExecutor(r, nil)

	// deliberately shuffled; execution must follow Position
	steps := []model.Step{
		step(3, model.StepDelay, "50", ""),
		step(1, model.StepDelay, "100", ""),
		step(5, model.StepAudio, uploadPrefix+"../../etc/voice.ogg", ""),
		step(2, model.StepText, "a", ""),
		step(4, model.StepImage, "x", ""),
	}
	e.Execute(context.Background(), r, "u1", steps)

	g := goldie.New(t)
	g.Assert(t, "flow_transcript", []byte(r.transcript()))
}

func TestExecute_doesNotMutateInput(t *testing.T) {
	r := &recorder{}
	e := newTestExecutor(r, nil)
	steps := []model.Step{
		step(2, model.StepDelay, "1", ""),
		step(1, model.StepDelay, "2", ""),
	}
	e.Execute(context.Background(), r, "u1", steps)
	assert.Equal(t, 2, steps[0].Position)
}

func TestExecute_defaultDelay(t *testing.T) {
	r := &recorder{}
	e := newTestExecutor(r, nil)
	e.Execute(context.Background(), r, "u1", []model.Step{step(1, model.StepDelay, "soon", "")})
	assert.Equal(t, "sleep 1s\n", r.transcript())
}

func TestExecute_timeVariants(t *testing.T) {
	options := `{"simulateTyping":false,"variants":[{"start":22,"end":5,"content":"night"}]}`
	tests := []struct {
		name string
		utc  time.Time
		want string
	}{
		{"hour 23", time.Date(2024, 1, 2, 5, 0, 0, 0, time.UTC), "night"},
		{"hour 2", time.Date(2024, 1, 2, 8, 30, 0, 0, time.UTC), "night"},
		{"hour 12", time.Date(2024, 1, 2, 18, 0, 0, 0, time.UTC), "day"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			e := newTestExecutor(r, nil, WithClock(func() time.Time { return tt.utc }))
			e.Execute(context.Background(), r, "u1", []model.Step{step(1, model.StepText, "day", options)})
			assert.Equal(t, fmt.Sprintf("text to=u1 %q\n", tt.want), r.transcript())
		})
	}
}

func TestExecute_firstMatchingVariantWins(t *testing.T) {
	options := `{"simulateTyping":false,"variants":[{"start":8,"end":12,"content":"morning"},{"start":0,"end":23,"content":"any"}]}`
	r := &recorder{}
	clock := func() time.Time { return time.Date(2024, 1, 2, 16, 0, 0, 0, time.UTC) } // 10:00 local
	e := newTestExecutor(r, nil, WithClock(clock))
	e.Execute(context.Background(), r, "u1", []model.Step{step(1, model.StepText, "base", options)})
	assert.Equal(t, "text to=u1 \"morning\"\n", r.transcript())
}

func TestTypingDuration(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, TypingDuration("ab"))
	assert.Equal(t, 200*time.Millisecond, TypingDuration("ñoño"), "counts characters, not bytes")
	assert.Equal(t, 2*time.Second, TypingDuration(strings.Repeat("x", 100)))
	assert.Equal(t, time.Duration(0), TypingDuration(""))
}

func TestResolveMedia(t *testing.T) {
	e := newTestExecutor(&recorder{}, nil)

	assert.Equal(t, transport.MediaSource{Path: "public/uploads/1700_menu.png"}, e.ResolveMedia(uploadPrefix+"1700_menu.png"))
	assert.Equal(t, transport.MediaSource{Path: "public/uploads/passwd"}, e.ResolveMedia(uploadPrefix+"../../passwd"))
	assert.Equal(t, transport.MediaSource{URL: "https://cdn.example.com/menu.png"}, e.ResolveMedia("https://cdn.example.com/menu.png"))
	assert.Equal(t, transport.MediaSource{URL: "/other/menu.png"}, e.ResolveMedia("/other/menu.png"))
}

func TestExecute_audioVoiceNoteFlag(t *testing.T) {
	r := &recorder{}
	e := newTestExecutor(r, nil)
	e.Execute(context.Background(), r, "u1", []model.Step{
		step(1, model.StepAudio, "https://x/a.mp3", `{"ptt":false,"simulatePresence":false,"mimetype":"audio/mpeg"}`),
	})
	assert.Equal(t, "audio to=u1 url=https://x/a.mp3 ptt=false mimetype=audio/mpeg\n", r.transcript())
}

func TestExecute_failedStepDoesNotAbortFlow(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := &recorder{failImg: errors.New("upload rejected")}
	e := newTestExecutor(r, m)

	e.Execute(context.Background(), r, "u1", []model.Step{
		step(1, model.StepImage, "x", `{"simulatePresence":false}`),
		step(2, model.StepText, "still here", `{"simulateTyping":false}`),
		step(3, model.StepKind("STICKER"), "s", ""),
	})

	assert.Equal(t, "text to=u1 \"still here\"\n", r.transcript())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlowSteps.WithLabelValues(string(model.StepImage), "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlowSteps.WithLabelValues(string(model.StepText), "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlowSteps.WithLabelValues("STICKER", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlowsExecuted))
}

func TestExecute_stopsWhenContextDone(t *testing.T) {
	r := &recorder{}
	e := newTestExecutor(r, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e.Execute(ctx, r, "u1", []model.Step{step(1, model.StepText, "hi", `{"simulateTyping":false}`)})
	assert.Empty(t, r.lines)
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
