package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StepKind identifies what a response step does
type StepKind string

const (
	StepDelay StepKind = "DELAY"
	StepText  StepKind = "TEXT"
	StepImage StepKind = "IMAGE"
	StepAudio StepKind = "AUDIO"
)

const (
	DefaultDelay         = 1000 * time.Millisecond
	DefaultAudioMimetype = "audio/mp4"
)

// Step is one decoded response step. Options is nil for kinds this build does not know.
type Step struct {
	ID       uuid.UUID
	Position int
	Kind     StepKind
	Content  string
	Options  StepOptions
}

// StepInput is the write shape of a step. Positions are assigned by the repository.
type StepInput struct {
	Kind    StepKind        `json:"kind"`
	Content string          `json:"content"`
	Options json.RawMessage `json:"options,omitempty"`
}

// StepOptions is implemented by the per-kind option records
type StepOptions interface {
	stepKind() StepKind
}

// DelayOptions holds the parsed pause of a DELAY step
type DelayOptions struct {
	Duration time.Duration
}

// TextOptions configures a TEXT step
type TextOptions struct {
	SimulateTyping bool
	Variants       []TimeVariant
}

// TimeVariant replaces a TEXT step's content while the current hour lies in [Start, End].
// Start > End wraps past midnight.
type TimeVariant struct {
	Start   int
	End     int
	Content string
}

// Matches reports whether hour falls in the variant's inclusive range
func (v TimeVariant) Matches(hour int) bool {
	if v.Start <= v.End {
		return hour >= v.Start && hour <= v.End
	}
	return hour >= v.Start || hour <= v.End
}

// ImageOptions configures an IMAGE step
type ImageOptions struct {
	Caption          string
	SimulatePresence bool
}

// AudioOptions configures an AUDIO step
type AudioOptions struct {
	VoiceNote        bool
	Mimetype         string
	SimulatePresence bool
}

func (DelayOptions) stepKind() StepKind { return StepDelay }
func (TextOptions) stepKind() StepKind  { return StepText }
func (ImageOptions) stepKind() StepKind { return StepImage }
func (AudioOptions) stepKind() StepKind { return StepAudio }

// rawOptions is the stored JSON shape of step options across all kinds
type rawOptions struct {
	SimulateTyping   *bool        `json:"simulateTyping"`
	SimulatePresence *bool        `json:"simulatePresence"`
	Caption          string       `json:"caption"`
	PTT              *bool        `json:"ptt"`
	Mimetype         string       `json:"mimetype"`
	Variants         []rawVariant `json:"variants"`
}

type rawVariant struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Content string `json:"content"`
}

// DecodeStep builds a Step from its stored columns. Malformed data never fails the decode:
// it falls back to defaults and the returned warnings describe what was corrected.
func DecodeStep(id uuid.UUID, position int, kind StepKind, content string, options []byte) (Step, []string) {
	step := Step{ID: id, Position: position, Kind: kind, Content: content}
	var warnings []string

	var raw rawOptions
	if trimmed := bytes.TrimSpace(options); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			warnings = append(warnings, fmt.Sprintf("invalid options, using defaults: %v", err))
			raw = rawOptions{}
		}
	}

	switch kind {
	case StepDelay:
		d, ok := ParseDelay(content)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("invalid delay %q, using %s", content, DefaultDelay))
		}
		step.Options = DelayOptions{Duration: d}
	case StepText:
		opts := TextOptions{SimulateTyping: boolOr(raw.SimulateTyping, true)}
		for i, v := range raw.Variants {
			if v.Start < 0 || v.Start > 23 || v.End < 0 || v.End > 23 || strings.TrimSpace(v.Content) == "" {
				warnings = append(warnings, fmt.Sprintf("dropping variant %d: hours must be 0-23 and content non-empty", i))
				continue
			}
			opts.Variants = append(opts.Variants, TimeVariant{Start: v.Start, End: v.End, Content: v.Content})
		}
		step.Options = opts
	case StepImage:
		step.Options = ImageOptions{
			Caption:          raw.Caption,
			SimulatePresence: boolOr(raw.SimulatePresence, true),
		}
	case StepAudio:
		mimetype := strings.TrimSpace(raw.Mimetype)
		if mimetype == "" {
			mimetype = DefaultAudioMimetype
		}
		step.Options = AudioOptions{
			VoiceNote:        boolOr(raw.PTT, true),
			Mimetype:         mimetype,
			SimulatePresence: boolOr(raw.SimulatePresence, true),
		}
	default:
		warnings = append(warnings, fmt.Sprintf("unknown step kind %q", kind))
	}

	return step, warnings
}

// maxDelayMillis is the largest delay a time.Duration can hold
const maxDelayMillis = math.MaxInt64 / int64(time.Millisecond)

// ParseDelay parses DELAY content as non-negative milliseconds. On failure it returns
// DefaultDelay and false.
func ParseDelay(content string) (time.Duration, bool) {
	ms, err := strconv.ParseInt(strings.TrimSpace(content), 10, 64)
	if err != nil || ms < 0 || ms > maxDelayMillis {
		return DefaultDelay, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
