package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// NIP-01 frame labels.
const (
	labelEvent  = "EVENT"
	labelReq    = "REQ"
	labelClose  = "CLOSE"
	labelEOSE   = "EOSE"
	labelNotice = "NOTICE"
	labelOK     = "OK"
	labelClosed = "CLOSED"
)

var errMalformedFrame = errors.New("relay: malformed frame")

// frame is a decoded relay-to-client message.
type frame struct {
	Label   string
	SubID   string
	Event   *nostr.Event
	Message string
	OK      bool
}

func encodeReq(subID string, filters nostr.Filters) ([]byte, error) {
	msg := make([]any, 0, 2+len(filters))
	msg = append(msg, labelReq, subID)
	for _, f := range filters {
		msg = append(msg, f)
	}
	return json.Marshal(msg)
}

func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{labelClose, subID})
}

func encodeEvent(evt nostr.Event) ([]byte, error) {
	return json.Marshal([]any{labelEvent, evt})
}

func decodeFrame(raw []byte) (frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 2 {
		return frame{}, errMalformedFrame
	}
	var f frame
	if err := json.Unmarshal(parts[0], &f.Label); err != nil {
		return frame{}, errMalformedFrame
	}

	switch f.Label {
	case labelEvent:
		if len(parts) < 3 {
			return frame{}, errMalformedFrame
		}
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return frame{}, errMalformedFrame
		}
		var evt nostr.Event
		if err := json.Unmarshal(parts[2], &evt); err != nil {
			return frame{}, fmt.Errorf("%w: event: %v", errMalformedFrame, err)
		}
		f.Event = &evt
	case labelEOSE:
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return frame{}, errMalformedFrame
		}
	case labelNotice:
		if err := json.Unmarshal(parts[1], &f.Message); err != nil {
			return frame{}, errMalformedFrame
		}
	case labelClosed:
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return frame{}, errMalformedFrame
		}
		if len(parts) > 2 {
			_ = json.Unmarshal(parts[2], &f.Message)
		}
	case labelOK:
		if len(parts) < 3 {
			return frame{}, errMalformedFrame
		}
		// SubID carries the event id for OK frames.
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return frame{}, errMalformedFrame
		}
		if err := json.Unmarshal(parts[2], &f.OK); err != nil {
			return frame{}, errMalformedFrame
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &f.Message)
		}
	}
	return f, nil
}
