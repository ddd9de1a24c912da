package fcm

import (
	"fmt"

	"github.com/slush-dev/fcm2up/internal/mcspb"
)

// AppData is one key-value pair of a data message's application payload.
type AppData struct {
	Key   string
	Value string
}

// DataMessage is a decoded DataMessageStanza frame.
type DataMessage struct {
	// RawData is the message payload; nil when the sender used app data
	// pairs instead.
	RawData []byte
	// PersistentID acknowledges receipt to the server on the next login.
	PersistentID string
	// AppData holds the key-value payload in wire order.
	AppData []AppData
	// From is the sender (usually the numeric sender id).
	From string
	// Category is the destination package name.
	Category string
}

// Empty reports whether the message carries no payload at all.
func (m *DataMessage) Empty() bool {
	return len(m.RawData) == 0 && len(m.AppData) == 0
}

// DecodeDataMessage decodes the body of a DataMessageStanza frame.
func DecodeDataMessage(body []byte) (*DataMessage, error) {
	stanza, err := mcspb.UnmarshalDataMessageStanza(body)
	if err != nil {
		return nil, fmt.Errorf("mcs: decode data message: %w", err)
	}

	msg := &DataMessage{RawData: stanza.RawData}
	if stanza.PersistentId != nil {
		msg.PersistentID = *stanza.PersistentId
	}
	if stanza.From != nil {
		msg.From = *stanza.From
	}
	if stanza.Category != nil {
		msg.Category = *stanza.Category
	}
	for _, kv := range stanza.AppData {
		msg.AppData = append(msg.AppData, AppData{Key: kv.GetKey(), Value: kv.GetValue()})
	}
	return msg, nil
}
