package model

import (
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDelay(t *testing.T) {
	d, ok := ParseDelay("250")
	assert.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)

	d, ok = ParseDelay(" 0 ")
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	d, ok = ParseDelay(strconv.FormatInt(maxDelayMillis, 10))
	assert.True(t, ok)
	assert.Greater(t, d, time.Duration(0))

	for _, bad := range []string{"", "abc", "-5", "1.5", "1500ms", "9300000000000", "99999999999999999999"} {
		d, ok = ParseDelay(bad)
		assert.False(t, ok, "content %q", bad)
		assert.Equal(t, DefaultDelay, d, "content %q", bad)
	}
}

func TestDecodeStep_delayDefaultsWithWarning(t *testing.T) {
	step, warnings := DecodeStep(uuid.New(), 1, StepDelay, "soon", nil)
	require.Len(t, warnings, 1)
	opts, ok := step.Options.(DelayOptions)
	require.True(t, ok)
	assert.Equal(t, DefaultDelay, opts.Duration)
}

func TestDecodeStep_textDefaultsAndVariants(t *testing.T) {
	raw := []byte(`{"variants":[{"start":22,"end":5,"content":"night"},{"start":25,"end":3,"content":"bad"},{"start":8,"end":12,"content":"  "}]}`)
	step, warnings := DecodeStep(uuid.New(), 2, StepText, "hello", raw)
	assert.Len(t, warnings, 2)

	opts, ok := step.Options.(TextOptions)
	require.True(t, ok)
	assert.True(t, opts.SimulateTyping, "typing simulation defaults to on")
	require.Len(t, opts.Variants, 1)
	assert.Equal(t, TimeVariant{Start: 22, End: 5, Content: "night"}, opts.Variants[0])
}

func TestDecodeStep_mediaOptions(t *testing.T) {
	img, warnings := DecodeStep(uuid.New(), 1, StepImage, "https://x/y.jpg", []byte(`{"caption":"hi","simulatePresence":false}`))
	assert.Empty(t, warnings)
	assert.Equal(t, ImageOptions{Caption: "hi", SimulatePresence: false}, img.Options)

	audio, warnings := DecodeStep(uuid.New(), 2, StepAudio, "https://x/a.opus", []byte(`{}`))
	assert.Empty(t, warnings)
	assert.Equal(t, AudioOptions{VoiceNote: true, Mimetype: DefaultAudioMimetype, SimulatePresence: true}, audio.Options)

	audio, _ = DecodeStep(uuid.New(), 3, StepAudio, "a.ogg", []byte(`{"ptt":false,"mimetype":"audio/ogg; codecs=opus"}`))
	assert.Equal(t, AudioOptions{VoiceNote: false, Mimetype: "audio/ogg; codecs=opus", SimulatePresence: true}, audio.Options)
}

func TestDecodeStep_malformedOptionsFallBack(t *testing.T) {
	step, warnings := DecodeStep(uuid.New(), 1, StepAudio, "a.ogg", []byte(`{"ptt":`))
	require.Len(t, warnings, 1)
	assert.Equal(t, AudioOptions{VoiceNote: true, Mimetype: DefaultAudioMimetype, SimulatePresence: true}, step.Options)
}

func TestDecodeStep_unknownKind(t *testing.T) {
	step, warnings := DecodeStep(uuid.New(), 1, StepKind("VIDEO"), "x", nil)
	assert.Len(t, warnings, 1)
	assert.Nil(t, step.Options)
}

func TestTimeVariant_Matches(t *testing.T) {
	night := TimeVariant{Start: 22, End: 5, Content: "night"}
	assert.True(t, night.Matches(23))
	assert.True(t, night.Matches(2))
	assert.True(t, night.Matches(22))
	assert.True(t, night.Matches(5))
	assert.False(t, night.Matches(12))
	assert.False(t, night.Matches(6))

	morning := TimeVariant{Start: 6, End: 11, Content: "morning"}
	assert.True(t, morning.Matches(6))
	assert.True(t, morning.Matches(11))
	assert.False(t, morning.Matches(12))
}
