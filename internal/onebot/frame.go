// Package onebot holds the minimal view of OneBot v11 frames the dispatcher
// needs. Frames are kept as raw JSON; only the routing fields are parsed and
// unknown fields survive forwarding untouched.
package onebot

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FrameKind classifies an inbound frame for routing purposes.
type FrameKind int

const (
	KindOther FrameKind = iota
	KindMessage
	KindAPICall
	KindAPIResponse
	KindMetaEvent
)

func (k FrameKind) String() string {
	switch k {
	case KindMessage:
		return "message_event"
	case KindAPICall:
		return "api_call"
	case KindAPIResponse:
		return "api_response"
	case KindMetaEvent:
		return "meta_event"
	}
	return "other"
}

// Frame is a classified OneBot frame. Raw always holds the original bytes.
type Frame struct {
	Raw  []byte
	Kind FrameKind

	// message events
	MessageType string
	UserID      int64
	GroupID     int64
	SelfID      int64
	MessageID   string
	Text        string
	Nickname    string

	// api calls / responses
	Action string
	Echo   string
}

type rawFrame struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	MetaEventType string          `json:"meta_event_type"`
	MessageID     json.RawMessage `json:"message_id"`
	UserID        json.RawMessage `json:"user_id"`
	GroupID       json.RawMessage `json:"group_id"`
	SelfID        json.RawMessage `json:"self_id"`
	RawMessage    string          `json:"raw_message"`
	Message       json.RawMessage `json:"message"`
	Sender        json.RawMessage `json:"sender"`
	Action        string          `json:"action"`
	Status        json.RawMessage `json:"status"`
	RetCode       json.RawMessage `json:"retcode"`
	Echo          json.RawMessage `json:"echo"`
}

type rawSender struct {
	Nickname string `json:"nickname"`
}

// Classify parses just enough of a frame to route it.
func Classify(raw []byte) (*Frame, error) {
	var r rawFrame
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}

	f := &Frame{Raw: raw, Echo: parseJSONString(r.Echo)}

	switch {
	case r.PostType == "message":
		f.Kind = KindMessage
		f.MessageType = r.MessageType
		f.UserID, _ = parseJSONInt64(r.UserID)
		f.GroupID, _ = parseJSONInt64(r.GroupID)
		f.SelfID, _ = parseJSONInt64(r.SelfID)
		f.MessageID = parseJSONString(r.MessageID)
		f.Text = messageText(r)
		if len(r.Sender) > 0 {
			var s rawSender
			if json.Unmarshal(r.Sender, &s) == nil {
				f.Nickname = s.Nickname
			}
		}
	case r.PostType == "meta_event":
		f.Kind = KindMetaEvent
	case r.PostType != "":
		f.Kind = KindOther
	case r.Action != "":
		f.Kind = KindAPICall
		f.Action = r.Action
	case len(r.Status) > 0 || len(r.RetCode) > 0:
		f.Kind = KindAPIResponse
	default:
		f.Kind = KindOther
	}
	return f, nil
}

// messageText prefers raw_message; message is used only when it is the
// string form (message_post_format=string).
func messageText(r rawFrame) string {
	if r.RawMessage != "" {
		return r.RawMessage
	}
	var s string
	if json.Unmarshal(r.Message, &s) == nil {
		return s
	}
	return ""
}

// parseJSONInt64 accepts both number and string encodings; OneBot
// implementations disagree on which they send.
func parseJSONInt64(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(s, 10, 64)
	}
	return 0, fmt.Errorf("cannot parse %s as int64", string(raw))
}

func parseJSONString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// decode returns the frame as a field map so individual keys can be replaced
// while every unknown field is carried through verbatim.
func decode(raw []byte) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	return m, nil
}

// WithText returns a copy of the frame with its text replaced. Both
// raw_message and message are updated when present.
func (f *Frame) WithText(text string) ([]byte, error) {
	m, err := decode(f.Raw)
	if err != nil {
		return nil, err
	}
	enc, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	if _, ok := m["raw_message"]; ok {
		m["raw_message"] = enc
	}
	if _, ok := m["message"]; ok {
		m["message"] = enc
	}
	if _, ok := m["raw_message"]; !ok {
		if _, ok := m["message"]; !ok {
			m["raw_message"] = enc
		}
	}
	return json.Marshal(m)
}

// WithEcho returns a copy of the frame with the echo field set.
func WithEcho(raw []byte, echo string) ([]byte, error) {
	m, err := decode(raw)
	if err != nil {
		return nil, err
	}
	enc, err := json.Marshal(echo)
	if err != nil {
		return nil, err
	}
	m["echo"] = enc
	return json.Marshal(m)
}

// WithoutEcho returns a copy of the frame with the echo field removed.
// Used when the dispatcher generated the echo and the caller never had one.
func WithoutEcho(raw []byte) ([]byte, error) {
	m, err := decode(raw)
	if err != nil {
		return nil, err
	}
	delete(m, "echo")
	return json.Marshal(m)
}

type apiRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo,omitempty"`
}

// replyEchoPrefix tags API calls the dispatcher itself issues when answering
// a message. The random segment keeps caller-chosen echoes from colliding
// with it.
var replyEchoPrefix = "reply_" + uuid.NewString()[:8] + "_"

// IsReplyEcho reports whether echo belongs to a dispatcher-issued reply.
func IsReplyEcho(echo string) bool { return strings.HasPrefix(echo, replyEchoPrefix) }

// Reply builds the API call that answers a message event with plain text:
// send_group_msg for group messages, send_private_msg otherwise.
func Reply(orig *Frame, text string) ([]byte, error) {
	req := apiRequest{Echo: replyEchoPrefix + orig.MessageID}
	if orig.MessageType == "group" {
		req.Action = "send_group_msg"
		req.Params = map[string]any{"group_id": orig.GroupID, "message": text}
	} else {
		req.Action = "send_private_msg"
		req.Params = map[string]any{"user_id": orig.UserID, "message": text}
	}
	return json.Marshal(req)
}

// LifecycleConnect is the meta event a freshly dialed upstream expects
// before it starts processing events.
func LifecycleConnect(selfID int64) []byte {
	b, _ := json.Marshal(map[string]any{
		"time":            time.Now().Unix(),
		"self_id":         selfID,
		"post_type":       "meta_event",
		"meta_event_type": "lifecycle",
		"sub_type":        "connect",
	})
	return b
}
