package management

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind EventKind
		msg  string
	}{
		{"hold", ">HOLD:Waiting for hold release:0", EventHold, "Waiting for hold release:0"},
		{"need auth", ">PASSWORD:Need 'Auth' username/password", EventPasswordNeeded, "Need 'Auth' username/password"},
		{"auth failed", ">PASSWORD:Verification Failed: 'Auth'", EventAuthFailed, "Verification Failed: 'Auth'"},
		{"fatal", ">FATAL:There are no TAP-Windows nor Wintun adapters on this system.", EventFatal, "There are no TAP-Windows nor Wintun adapters on this system."},
		{"log", ">LOG:1700000000,W,Inactivity timeout (--ping-exit), exiting", EventLog, "Inactivity timeout (--ping-exit), exiting"},
		{"info", ">INFO:OpenVPN Management Interface Version 5", EventInfo, "OpenVPN Management Interface Version 5"},
		{"success", "SUCCESS: hold release succeeded", EventSuccess, "hold release succeeded"},
		{"error", "ERROR: unknown command", EventError, "unknown command"},
		{"unknown", "garbage", EventUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ParseLine(tt.line)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.msg, ev.Message)
			assert.Equal(t, tt.line, ev.Raw)
		})
	}
}

func TestParseLine_State(t *testing.T) {
	ev := ParseLine(">STATE:1700000000,CONNECTED,SUCCESS,10.8.0.6,203.0.113.7,1194,,")
	assert.Equal(t, EventState, ev.Kind)
	assert.Equal(t, StateConnected, ev.State.Name)
	assert.Equal(t, "SUCCESS", ev.State.Description)
	assert.Equal(t, "10.8.0.6", ev.State.LocalIP)
	assert.Equal(t, "203.0.113.7", ev.State.RemoteIP)
	assert.Equal(t, time.Unix(1700000000, 0), ev.State.Time)
	assert.False(t, ev.State.ConnectedWithErrors())

	ev = ParseLine(">STATE:1700000000,CONNECTED,ERROR,10.8.0.6,203.0.113.7")
	assert.True(t, ev.State.ConnectedWithErrors())

	ev = ParseLine(">STATE:1700000000,RECONNECTING,ping-restart,,")
	assert.Equal(t, StateReconnecting, ev.State.Name)
	assert.Equal(t, "ping-restart", ev.State.Description)
}

func TestParseLine_ByteCount(t *testing.T) {
	ev := ParseLine(">BYTECOUNT:12345,678")
	assert.Equal(t, EventByteCount, ev.Kind)
	assert.Equal(t, int64(12345), ev.BytesIn)
	assert.Equal(t, int64(678), ev.BytesOut)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"plain"`, Quote("plain"))
	assert.Equal(t, `"a\"b\\c d"`, Quote(`a"b\c d`))
	assert.Equal(t, []byte(`"p\"w\\"`), quoteBytes([]byte(`p"w\`)))
}
