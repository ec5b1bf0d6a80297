package nostr

import (
	"encoding/json"
	"fmt"

	"github.com/ishtarservices/TheWired-sub000/errors"
)

// Relay to client message types
const (
	MsgEvent  = "EVENT"
	MsgEOSE   = "EOSE"
	MsgOK     = "OK"
	MsgClosed = "CLOSED"
	MsgNotice = "NOTICE"
	MsgAuth   = "AUTH"

	MsgReq   = "REQ"
	MsgClose = "CLOSE"
)

// RelayMessage is a decoded relay to client frame. Event stays raw so the
// pipeline decides whether it is well formed.
type RelayMessage struct {
	Type    string
	SubID   string
	Event   json.RawMessage
	EventID string
	OK      bool
	Message string
}

// EncodeREQ builds ["REQ", subID, filter...]
func EncodeREQ(subID string, filters []Filter) ([]byte, error) {
	msg := make([]any, 0, 2+len(filters))
	msg = append(msg, MsgReq, subID)
	for _, f := range filters {
		msg = append(msg, f)
	}
	return marshalNoEscape(msg)
}

// EncodeCLOSE builds ["CLOSE", subID]
func EncodeCLOSE(subID string) ([]byte, error) {
	return marshalNoEscape([]any{MsgClose, subID})
}

// EncodeEVENT builds ["EVENT", event]
func EncodeEVENT(e Event) ([]byte, error) {
	return marshalNoEscape([]any{MsgEvent, e})
}

// ParseRelayMessage decodes one relay frame. Unknown types and frames with
// missing elements are errors; connections log and drop them.
func ParseRelayMessage(data []byte) (RelayMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return RelayMessage{}, fmt.Errorf("%w: relay frame is not an array: %v", errors.ErrParsingFailed, err)
	}
	if len(parts) == 0 {
		return RelayMessage{}, fmt.Errorf("%w: empty relay frame", errors.ErrParsingFailed)
	}

	var msg RelayMessage
	if err := json.Unmarshal(parts[0], &msg.Type); err != nil {
		return RelayMessage{}, fmt.Errorf("%w: frame type: %v", errors.ErrParsingFailed, err)
	}

	str := func(i int, dst *string) error {
		if i >= len(parts) {
			return fmt.Errorf("%w: %s frame missing element %d", errors.ErrParsingFailed, msg.Type, i)
		}
		if err := json.Unmarshal(parts[i], dst); err != nil {
			return fmt.Errorf("%w: %s frame element %d: %v", errors.ErrParsingFailed, msg.Type, i, err)
		}
		return nil
	}
	optional := func(i int, dst *string) {
		if i < len(parts) {
			_ = json.Unmarshal(parts[i], dst)
		}
	}

	switch msg.Type {
	case MsgEvent:
		if err := str(1, &msg.SubID); err != nil {
			return RelayMessage{}, err
		}
		if len(parts) < 3 {
			return RelayMessage{}, fmt.Errorf("%w: EVENT frame missing event", errors.ErrParsingFailed)
		}
		msg.Event = parts[2]
	case MsgEOSE:
		if err := str(1, &msg.SubID); err != nil {
			return RelayMessage{}, err
		}
	case MsgOK:
		if err := str(1, &msg.EventID); err != nil {
			return RelayMessage{}, err
		}
		if len(parts) < 3 {
			return RelayMessage{}, fmt.Errorf("%w: OK frame missing status", errors.ErrParsingFailed)
		}
		if err := json.Unmarshal(parts[2], &msg.OK); err != nil {
			return RelayMessage{}, fmt.Errorf("%w: OK status: %v", errors.ErrParsingFailed, err)
		}
		optional(3, &msg.Message)
	case MsgClosed:
		if err := str(1, &msg.SubID); err != nil {
			return RelayMessage{}, err
		}
		optional(2, &msg.Message)
	case MsgNotice, MsgAuth:
		if err := str(1, &msg.Message); err != nil {
			return RelayMessage{}, err
		}
	default:
		return RelayMessage{}, fmt.Errorf("%w: unknown frame type %q", errors.ErrParsingFailed, msg.Type)
	}
	return msg, nil
}

// ClientMessage is a decoded client to relay frame. Test relays use it.
type ClientMessage struct {
	Type    string
	SubID   string
	Filters []Filter
	Event   Event
}

// ParseClientMessage decodes REQ, CLOSE and EVENT frames
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) < 2 {
		return ClientMessage{}, fmt.Errorf("%w: malformed client frame", errors.ErrParsingFailed)
	}
	var msg ClientMessage
	if err := json.Unmarshal(parts[0], &msg.Type); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: frame type: %v", errors.ErrParsingFailed, err)
	}
	switch msg.Type {
	case MsgReq:
		if err := json.Unmarshal(parts[1], &msg.SubID); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: REQ id: %v", errors.ErrParsingFailed, err)
		}
		for _, raw := range parts[2:] {
			var f Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return ClientMessage{}, fmt.Errorf("%w: REQ filter: %v", errors.ErrParsingFailed, err)
			}
			msg.Filters = append(msg.Filters, f)
		}
	case MsgClose:
		if err := json.Unmarshal(parts[1], &msg.SubID); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: CLOSE id: %v", errors.ErrParsingFailed, err)
		}
	case MsgEvent:
		e, err := DecodeEvent(parts[1])
		if err != nil {
			return ClientMessage{}, err
		}
		msg.Event = e
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown frame type %q", errors.ErrParsingFailed, msg.Type)
	}
	return msg, nil
}
