package bill

import (
	"encoding/json"

	"github.com/billstream/billstream/pkg/fault"
)

// Encode serializes an event payload for the log. The kind tag travels on
// the envelope, not inside the payload.
func Encode(ev Event) (kind string, payload []byte, err error) {
	payload, err = json.Marshal(ev)
	if err != nil {
		return "", nil, fault.Internal("event payload encode failed", err)
	}
	return ev.Kind(), payload, nil
}

// Decode deserializes a payload by its kind tag. One explicit case per kind:
// adding a kind means adding a case here, and an unknown kind is an error
// rather than a silently empty event.
func Decode(kind string, payload []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch kind {
	case KindBillCreated:
		var e BillCreated
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindFileAttached:
		var e FileAttached
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindOcrRequested:
		var e OcrRequested
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindOcrCompleted:
		var e OcrCompleted
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindOcrFailed:
		var e OcrFailed
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindBillApproved:
		var e BillApproved
		err = json.Unmarshal(payload, &e)
		ev = e
	default:
		return nil, fault.Internal("unknown event kind "+kind, nil)
	}
	if err != nil {
		return nil, fault.Internal("event payload decode failed for kind "+kind, err)
	}
	return ev, nil
}
