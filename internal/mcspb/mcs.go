// Package mcspb implements the subset of the MCS (Mobile Conversation
// Server) protobuf schema exchanged over mtalk.google.com:5228. Messages are
// encoded by hand with protowire; the field numbers are fixed by the server
// and must not drift.
package mcspb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// LoginRequest_AndroidId is the auth_service value for android-id logins.
const LoginRequest_AndroidId int32 = 2

// Setting is a key-value login setting.
type Setting struct {
	Name  *string // 1
	Value *string // 2
}

func (m *Setting) marshal(b []byte) []byte {
	b = appendString(b, 1, m.Name)
	b = appendString(b, 2, m.Value)
	return b
}

// LoginRequest opens an MCS session. Field numbers follow the Android MCS
// schema: id(1), domain(2), user(3), resource(4), auth_token(5),
// device_id(6), setting(8), received_persistent_id(10),
// adaptive_heartbeat(12), use_rmq2(14), auth_service(16), network_type(17).
type LoginRequest struct {
	Id                   *string
	Domain               *string
	User                 *string
	Resource             *string
	AuthToken            *string
	DeviceId             *string
	Setting              []*Setting
	ReceivedPersistentId []string
	AdaptiveHeartbeat    *bool
	UseRmq2              *bool
	AuthService          *int32
	NetworkType          *int32
}

// Marshal encodes the login request in proto wire format.
func (m *LoginRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Id)
	b = appendString(b, 2, m.Domain)
	b = appendString(b, 3, m.User)
	b = appendString(b, 4, m.Resource)
	b = appendString(b, 5, m.AuthToken)
	b = appendString(b, 6, m.DeviceId)
	for _, s := range m.Setting {
		b = appendMessage(b, 8, s.marshal(nil))
	}
	for _, id := range m.ReceivedPersistentId {
		b = appendMessage(b, 10, []byte(id))
	}
	b = appendBool(b, 12, m.AdaptiveHeartbeat)
	b = appendBool(b, 14, m.UseRmq2)
	b = appendInt32(b, 16, m.AuthService)
	b = appendInt32(b, 17, m.NetworkType)
	return b
}

// UnmarshalLoginRequest decodes a login request. The relay only sends login
// requests; decoding exists for the fake MCS servers in tests.
func UnmarshalLoginRequest(data []byte) (*LoginRequest, error) {
	m := &LoginRequest{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) error {
		switch num {
		case 1:
			m.Id = stringPtr(data)
		case 2:
			m.Domain = stringPtr(data)
		case 3:
			m.User = stringPtr(data)
		case 4:
			m.Resource = stringPtr(data)
		case 5:
			m.AuthToken = stringPtr(data)
		case 6:
			m.DeviceId = stringPtr(data)
		case 8:
			s := &Setting{}
			if err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) error {
				switch num {
				case 1:
					s.Name = stringPtr(data)
				case 2:
					s.Value = stringPtr(data)
				}
				return nil
			}, nil); err != nil {
				return err
			}
			m.Setting = append(m.Setting, s)
		case 10:
			m.ReceivedPersistentId = append(m.ReceivedPersistentId, string(data))
		}
		return nil
	}, func(num protowire.Number, v uint64) {
		switch num {
		case 12:
			b := v != 0
			m.AdaptiveHeartbeat = &b
		case 14:
			b := v != 0
			m.UseRmq2 = &b
		case 16:
			i := int32(v)
			m.AuthService = &i
		case 17:
			i := int32(v)
			m.NetworkType = &i
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LoginResponse acknowledges a login. Only the fields the client logs are
// decoded.
type LoginResponse struct {
	Id              *string // 1
	Error           *ErrorInfo
	ServerTimestamp *int64 // 8
}

// ErrorInfo is the error detail inside a LoginResponse.
type ErrorInfo struct {
	Code    *int32  // 1
	Message *string // 2
}

// GetId returns the response id or "".
func (m *LoginResponse) GetId() string {
	if m == nil || m.Id == nil {
		return ""
	}
	return *m.Id
}

// UnmarshalLoginResponse decodes a login response.
func UnmarshalLoginResponse(data []byte) (*LoginResponse, error) {
	m := &LoginResponse{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) error {
		switch num {
		case 1:
			m.Id = stringPtr(data)
		case 3:
			e := &ErrorInfo{}
			if err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) error {
				if num == 2 {
					e.Message = stringPtr(data)
				}
				return nil
			}, func(num protowire.Number, v uint64) {
				if num == 1 {
					c := int32(v)
					e.Code = &c
				}
			}); err != nil {
				return err
			}
			m.Error = e
		}
		return nil
	}, func(num protowire.Number, v uint64) {
		if num == 8 {
			ts := int64(v)
			m.ServerTimestamp = &ts
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Marshal encodes a login response. Test-server use.
func (m *LoginResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Id)
	if m.Error != nil {
		var e []byte
		e = appendInt32(e, 1, m.Error.Code)
		e = appendString(e, 2, m.Error.Message)
		b = appendMessage(b, 3, e)
	}
	b = appendInt64(b, 8, m.ServerTimestamp)
	return b
}

// HeartbeatPing is a server (or client) keepalive probe.
type HeartbeatPing struct {
	StreamId             *int32 // 1
	LastStreamIdReceived *int32 // 2
	Status               *int64 // 3
}

// Marshal encodes a heartbeat ping. Test-server use.
func (m *HeartbeatPing) Marshal() []byte {
	var b []byte
	b = appendInt32(b, 1, m.StreamId)
	b = appendInt32(b, 2, m.LastStreamIdReceived)
	b = appendInt64(b, 3, m.Status)
	return b
}

// AppData is one key-value pair of a data message.
type AppData struct {
	Key   *string // 1
	Value *string // 2
}

// GetKey returns the key or "".
func (m *AppData) GetKey() string {
	if m == nil || m.Key == nil {
		return ""
	}
	return *m.Key
}

// GetValue returns the value or "".
func (m *AppData) GetValue() string {
	if m == nil || m.Value == nil {
		return ""
	}
	return *m.Value
}

// DataMessageStanza carries one application push payload.
type DataMessageStanza struct {
	Id           *string    // 2
	From         *string    // 3
	Category     *string    // 5
	AppData      []*AppData // 7
	PersistentId *string    // 9
	RawData      []byte     // 21
}

// UnmarshalDataMessageStanza decodes a data message.
func UnmarshalDataMessageStanza(data []byte) (*DataMessageStanza, error) {
	m := &DataMessageStanza{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) error {
		switch num {
		case 2:
			m.Id = stringPtr(data)
		case 3:
			m.From = stringPtr(data)
		case 5:
			m.Category = stringPtr(data)
		case 7:
			kv := &AppData{}
			if err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) error {
				switch num {
				case 1:
					kv.Key = stringPtr(data)
				case 2:
					kv.Value = stringPtr(data)
				}
				return nil
			}, nil); err != nil {
				return err
			}
			m.AppData = append(m.AppData, kv)
		case 9:
			m.PersistentId = stringPtr(data)
		case 21:
			m.RawData = append([]byte(nil), data...)
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Marshal encodes a data message. Test-server use.
func (m *DataMessageStanza) Marshal() []byte {
	var b []byte
	b = appendString(b, 2, m.Id)
	b = appendString(b, 3, m.From)
	b = appendString(b, 5, m.Category)
	for _, kv := range m.AppData {
		var e []byte
		e = appendString(e, 1, kv.Key)
		e = appendString(e, 2, kv.Value)
		b = appendMessage(b, 7, e)
	}
	b = appendString(b, 9, m.PersistentId)
	if m.RawData != nil {
		b = appendMessage(b, 21, m.RawData)
	}
	return b
}

// StreamErrorStanza reports a fatal stream error from the server.
type StreamErrorStanza struct {
	Type *string // 1
	Text *string // 2
}

// GetType returns the error type or "".
func (m *StreamErrorStanza) GetType() string {
	if m == nil || m.Type == nil {
		return ""
	}
	return *m.Type
}

// GetText returns the error text or "".
func (m *StreamErrorStanza) GetText() string {
	if m == nil || m.Text == nil {
		return ""
	}
	return *m.Text
}

// UnmarshalStreamErrorStanza decodes a stream error.
func UnmarshalStreamErrorStanza(data []byte) (*StreamErrorStanza, error) {
	m := &StreamErrorStanza{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) error {
		switch num {
		case 1:
			m.Type = stringPtr(data)
		case 2:
			m.Text = stringPtr(data)
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// walkFields iterates all fields in data, handing length-delimited fields to
// onBytes and varint fields to onVarint (when non-nil). Unhandled and unknown
// fields are skipped, matching generated-code behavior.
func walkFields(data []byte, onBytes func(protowire.Number, protowire.Type, []byte) error, onVarint func(protowire.Number, uint64)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("mcspb: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("mcspb: malformed field %d: %w", num, protowire.ParseError(n))
			}
			if onBytes != nil {
				if err := onBytes(num, typ, v); err != nil {
					return err
				}
			}
			data = data[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("mcspb: malformed field %d: %w", num, protowire.ParseError(n))
			}
			if onVarint != nil {
				onVarint(num, v)
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("mcspb: malformed field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

func stringPtr(data []byte) *string {
	s := string(data)
	return &s
}

func appendString(b []byte, num protowire.Number, v *string) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, *v)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendBool(b []byte, num protowire.Number, v *bool) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	u := uint64(0)
	if *v {
		u = 1
	}
	return protowire.AppendVarint(b, u)
}

func appendInt32(b []byte, num protowire.Number, v *int32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(*v)))
}

func appendInt64(b []byte, num protowire.Number, v *int64) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(*v))
}
