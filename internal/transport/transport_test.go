package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPayloadText(t *testing.T) {
	tests := []struct {
		name    string
		payload *Payload
		want    string
	}{
		{"nil", nil, ""},
		{"conversation", &Payload{Conversation: "hola"}, "hola"},
		{"extended text", &Payload{ExtendedText: &ExtendedText{Text: "see https://x"}}, "see https://x"},
		{"blank conversation falls through", &Payload{Conversation: "  ", ExtendedText: &ExtendedText{Text: "info"}}, "info"},
		{"ephemeral wrapper", &Payload{Ephemeral: &Payload{Conversation: "secret"}}, "secret"},
		{"nested wrappers", &Payload{Ephemeral: &Payload{ViewOnce: &Payload{ExtendedText: &ExtendedText{Text: "deep"}}}}, "deep"},
		{"media only", &Payload{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.payload.Text())
		})
	}
}

func TestMessageUserID(t *testing.T) {
	direct := Message{Chat: "521555@s.whatsapp.net"}
	assert.Equal(t, "521555@s.whatsapp.net", direct.UserID())
	assert.Equal(t, "521555@s.whatsapp.net", direct.ReplyTo())

	group := Message{Chat: "123@g.us", Sender: "521777@s.whatsapp.net"}
	assert.Equal(t, "521777@s.whatsapp.net", group.UserID())
	assert.Equal(t, "123@g.us", group.ReplyTo())
}
