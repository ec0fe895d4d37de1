package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"register", NewRegister("/srv/share", 1900000000, "")},
		{"register with password", NewRegister("/srv/share", 1900000000, "hunter2")},
		{"registered", NewRegistered("a1b2c3d4e5f6", "https://fwd.example/a1b2c3d4e5f6/")},
		{"request", NewRequest("01J0000000000000000000000", "GET", "/docs/readme.md")},
		{"response", NewResponse("01J0000000000000000000000", 200, map[string]string{"Content-Type": "text/plain"})},
		{"response empty headers", NewResponse("01J0000000000000000000000", 404, map[string]string{})},
		{"data", NewData("01J0000000000000000000000", EncodeChunk([]byte("hello")))},
		{"data empty chunk", NewData("01J0000000000000000000000", "")},
		{"end", NewEnd("01J0000000000000000000000")},
		{"expired", NewExpired()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"not json", `{{{`, ErrInvalidMessage},
		{"no type", `{"id":"x"}`, ErrUnknownMessageType},
		{"unknown type", `{"type":"upload","id":"x"}`, ErrUnknownMessageType},
		{"register missing path", `{"type":"register","expiresAt":1900000000}`, ErrMissingField},
		{"register missing expiry", `{"type":"register","path":"/srv"}`, ErrMissingField},
		{"registered missing session", `{"type":"registered","url":"http://x/"}`, ErrMissingField},
		{"registered missing url", `{"type":"registered","sessionId":"abc"}`, ErrMissingField},
		{"request missing id", `{"type":"request","method":"GET","path":"/"}`, ErrMissingField},
		{"request missing method", `{"type":"request","id":"r1","path":"/"}`, ErrMissingField},
		{"request missing path", `{"type":"request","id":"r1","method":"GET"}`, ErrMissingField},
		{"request bad method", `{"type":"request","id":"r1","method":"POST","path":"/"}`, ErrInvalidMessage},
		{"response missing id", `{"type":"response","status":200,"headers":{}}`, ErrMissingField},
		{"response zero status", `{"type":"response","id":"r1","status":0,"headers":{}}`, ErrMissingField},
		{"response status out of range", `{"type":"response","id":"r1","status":600,"headers":{}}`, ErrInvalidMessage},
		{"response null headers", `{"type":"response","id":"r1","status":200}`, ErrMissingField},
		{"data missing id", `{"type":"data","chunk":"aGk="}`, ErrMissingField},
		{"end missing id", `{"type":"end"}`, ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecodeDataEmptyChunkValid(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"data","id":"r1","chunk":""}`))
	require.NoError(t, err)

	data, ok := msg.(*Data)
	require.True(t, ok)
	assert.Empty(t, data.Chunk)
}

func TestChunkRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte(""),
		[]byte("Hello, fwdcast!"),
		bytes.Repeat([]byte{0x00}, 17),
	}

	full := make([]byte, 256)
	for i := range full {
		full[i] = byte(i)
	}
	payloads = append(payloads, full)

	for _, p := range payloads {
		encoded := EncodeChunk(p)
		decoded, err := DecodeChunk(encoded)
		require.NoError(t, err)
		if len(p) == 0 {
			assert.Empty(t, decoded)
		} else {
			assert.Equal(t, p, decoded)
		}
	}
}

func TestDecodeChunkInvalidBase64(t *testing.T) {
	_, err := DecodeChunk("not base64!!!")
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestMessageTypes(t *testing.T) {
	assert.Equal(t, TypeRegister, NewRegister("/p", 1, "").MessageType())
	assert.Equal(t, TypeRegistered, NewRegistered("s", "u").MessageType())
	assert.Equal(t, TypeRequest, NewRequest("i", "GET", "/").MessageType())
	assert.Equal(t, TypeResponse, NewResponse("i", 200, nil).MessageType())
	assert.Equal(t, TypeData, NewData("i", "").MessageType())
	assert.Equal(t, TypeEnd, NewEnd("i").MessageType())
	assert.Equal(t, TypeExpired, NewExpired().MessageType())
}
