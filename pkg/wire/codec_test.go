package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "register request",
			msg: NewRequestMessage(7, &Request{
				Operation: OpRegister,
				Format:    FormatLinkFormat,
				Payload:   []byte("</1/0>,</3/0>"),
				Params: map[string]string{
					ParamEndpoint: "urn:dev:1",
					ParamLifetime: "300",
					ParamBinding:  "UQ",
				},
			}),
		},
		{
			name: "observe request",
			msg: NewRequestMessage(8, &Request{
				Operation: OpObserve,
				Path:      "/3/0/15",
				Token:     []byte{0xde, 0xad},
			}),
		},
		{
			name: "content response",
			msg: NewResponseMessage(8, &Response{
				Status:  StatusContent,
				Format:  FormatText,
				Payload: []byte("Europe/Paris"),
			}),
		},
		{
			name: "notification",
			msg: &Message{
				Type: MessageTypeNotification,
				Notification: &Notification{
					Token:    []byte{0xde, 0xad},
					Sequence: 3,
					Format:   FormatText,
					Payload:  []byte("Europe/Berlin"),
				},
			},
		},
		{
			name: "ack",
			msg:  NewAck(9),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeMessage(tt.msg)
			require.NoError(t, err)

			typ, err := PeekMessageType(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Type, typ)

			decoded, err := DecodeMessage(data)
			require.NoError(t, err)
			assert.True(t, Equal(tt.msg, decoded), "decoded message differs")
		})
	}
}

func TestEncodeMessageRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"request without body", &Message{Type: MessageTypeRequest, MessageID: 1}},
		{"unknown operation", NewRequestMessage(1, &Request{Operation: 99})},
		{"register without endpoint", NewRequestMessage(1, &Request{Operation: OpRegister})},
		{"update without id", NewRequestMessage(1, &Request{Operation: OpUpdate})},
		{"observe without token", NewRequestMessage(1, &Request{Operation: OpObserve, Path: "/3/0"})},
		{"bad path", NewRequestMessage(1, &Request{Operation: OpRead, Path: "3/0"})},
		{"notification without token", &Message{Type: MessageTypeNotification, Notification: &Notification{}}},
		{"unknown type", &Message{Type: 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeMessage(tt.msg)
			assert.Error(t, err)
		})
	}
}

func TestDecodeMessageGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestRequestLifetime(t *testing.T) {
	req := &Request{Params: map[string]string{ParamLifetime: "86400"}}
	lt, ok := req.Lifetime()
	require.True(t, ok)
	assert.Equal(t, int64(86400), int64(lt.Seconds()))

	req.Params[ParamLifetime] = "soon"
	_, ok = req.Lifetime()
	assert.False(t, ok)
}

func TestStatusClasses(t *testing.T) {
	assert.True(t, StatusContent.IsSuccess())
	assert.True(t, StatusCreated.IsSuccess())
	assert.False(t, StatusNotFound.IsSuccess())
	assert.True(t, StatusMethodNotAllowed.IsError())
	assert.Equal(t, "2.05", StatusContent.Code())
	assert.Equal(t, "4.04", StatusNotFound.Code())
	assert.Equal(t, "4.05", StatusMethodNotAllowed.Code())
	assert.Equal(t, "5.00", StatusInternalServerError.Code())
	assert.Equal(t, "2.31", StatusContinue.Code())
	assert.True(t, StatusContinue.IsSuccess())
}

func TestOperationDirection(t *testing.T) {
	assert.True(t, OpRegister.IsUplink())
	assert.True(t, OpBootstrapRequest.IsUplink())
	assert.False(t, OpRead.IsUplink())
	assert.True(t, OpCancelObserve.IsDownlink())
	assert.False(t, Operation(99).IsValid())
}
