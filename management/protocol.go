// Package management speaks the OpenVPN management interface line protocol
// over the local TCP endpoint exposed by the tunnel process.
package management

import (
	"strconv"
	"strings"
	"time"
)

// EventKind classifies a line received from the management endpoint.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventHold
	EventState
	EventByteCount
	EventPasswordNeeded
	EventAuthFailed
	EventFatal
	EventLog
	EventInfo
	EventSuccess
	EventError
)

// String returns the string representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventHold:
		return "HOLD"
	case EventState:
		return "STATE"
	case EventByteCount:
		return "BYTECOUNT"
	case EventPasswordNeeded:
		return "PASSWORD_NEEDED"
	case EventAuthFailed:
		return "AUTH_FAILED"
	case EventFatal:
		return "FATAL"
	case EventLog:
		return "LOG"
	case EventInfo:
		return "INFO"
	case EventSuccess:
		return "SUCCESS"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Tunnel states reported in >STATE lines.
const (
	StateConnecting   = "CONNECTING"
	StateWait         = "WAIT"
	StateAuth         = "AUTH"
	StateGetConfig    = "GET_CONFIG"
	StateAssignIP     = "ASSIGN_IP"
	StateAddRoutes    = "ADD_ROUTES"
	StateConnected    = "CONNECTED"
	StateReconnecting = "RECONNECTING"
	StateExiting      = "EXITING"
	StateResolve      = "RESOLVE"
	StateTCPConnect   = "TCP_CONNECT"
)

// State is a parsed >STATE notification.
type State struct {
	Time        time.Time
	Name        string
	Description string
	LocalIP     string
	RemoteIP    string
}

// ConnectedWithErrors reports a CONNECTED state whose description flags an
// error during initialization.
func (s State) ConnectedWithErrors() bool {
	return s.Name == StateConnected && strings.Contains(s.Description, "ERROR")
}

// Event is one parsed management line.
type Event struct {
	Kind     EventKind
	Raw      string
	Message  string
	State    State
	BytesIn  int64
	BytesOut int64
}

// ParseLine parses a single line without its line terminator.
func ParseLine(line string) Event {
	ev := Event{Kind: EventUnknown, Raw: line}

	switch {
	case strings.HasPrefix(line, ">HOLD:"):
		ev.Kind = EventHold
		ev.Message = line[len(">HOLD:"):]
	case strings.HasPrefix(line, ">STATE:"):
		ev.Kind = EventState
		ev.State = parseState(line[len(">STATE:"):])
	case strings.HasPrefix(line, ">BYTECOUNT:"):
		ev.Kind = EventByteCount
		parts := strings.SplitN(line[len(">BYTECOUNT:"):], ",", 2)
		if len(parts) == 2 {
			ev.BytesIn, _ = strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
			ev.BytesOut, _ = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		}
	case strings.HasPrefix(line, ">PASSWORD:"):
		msg := line[len(">PASSWORD:"):]
		ev.Message = msg
		switch {
		case strings.HasPrefix(msg, "Verification Failed"):
			ev.Kind = EventAuthFailed
		case strings.HasPrefix(msg, "Need "):
			ev.Kind = EventPasswordNeeded
		}
	case strings.HasPrefix(line, ">FATAL:"):
		ev.Kind = EventFatal
		ev.Message = line[len(">FATAL:"):]
	case strings.HasPrefix(line, ">LOG:"):
		ev.Kind = EventLog
		ev.Message = parseLog(line[len(">LOG:"):])
	case strings.HasPrefix(line, ">INFO:"):
		ev.Kind = EventInfo
		ev.Message = line[len(">INFO:"):]
	case strings.HasPrefix(line, "SUCCESS:"):
		ev.Kind = EventSuccess
		ev.Message = strings.TrimSpace(line[len("SUCCESS:"):])
	case strings.HasPrefix(line, "ERROR:"):
		ev.Kind = EventError
		ev.Message = strings.TrimSpace(line[len("ERROR:"):])
	}
	return ev
}

// parseState handles "unixtime,STATE,description,localip,remoteip[,...]".
func parseState(s string) State {
	parts := strings.Split(s, ",")
	var st State
	if len(parts) > 0 {
		if sec, err := strconv.ParseInt(parts[0], 10, 64); err == nil {
			st.Time = time.Unix(sec, 0)
		}
	}
	if len(parts) > 1 {
		st.Name = parts[1]
	}
	if len(parts) > 2 {
		st.Description = parts[2]
	}
	if len(parts) > 3 {
		st.LocalIP = parts[3]
	}
	if len(parts) > 4 {
		st.RemoteIP = parts[4]
	}
	return st
}

// parseLog strips the "unixtime,flags," prefix of a real-time log line.
func parseLog(s string) string {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) == 3 {
		return parts[2]
	}
	return s
}

// Quote escapes a value for use inside a double-quoted command argument.
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// quoteBytes is Quote for secrets held in byte slices.
func quoteBytes(b []byte) []byte {
	out := make([]byte, 0, len(b)+2)
	out = append(out, '"')
	for _, c := range b {
		if c == '\\' || c == '"' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return append(out, '"')
}
