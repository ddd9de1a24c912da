// Package checkinpb implements the subset of the Android device check-in
// protobuf schema that the check-in exchange needs. Messages are encoded by
// hand with protowire; the field numbers are part of the wire contract with
// android.clients.google.com and must not drift.
package checkinpb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// DeviceType values accepted in AndroidCheckinProto.type.
const (
	DeviceAndroidOS     = 1
	DeviceIOS           = 2
	DeviceChromeBrowser = 3
	DeviceChromeOS      = 4
)

// AndroidBuildProto describes the device build. All fields optional.
type AndroidBuildProto struct {
	Fingerprint        *string // 1
	Hardware           *string // 2
	Brand              *string // 3
	Radio              *string // 4
	Bootloader         *string // 5
	ClientId           *string // 6
	Time               *int64  // 7
	PackageVersionCode *int32  // 8
	Device             *string // 9
	SdkVersion         *int32  // 10
	Model              *string // 11
	Manufacturer       *string // 12
	Product            *string // 13
	OtaInstalled       *bool   // 14
}

func (m *AndroidBuildProto) marshal(b []byte) []byte {
	b = appendString(b, 1, m.Fingerprint)
	b = appendString(b, 2, m.Hardware)
	b = appendString(b, 3, m.Brand)
	b = appendString(b, 4, m.Radio)
	b = appendString(b, 5, m.Bootloader)
	b = appendString(b, 6, m.ClientId)
	b = appendInt64(b, 7, m.Time)
	b = appendInt32(b, 8, m.PackageVersionCode)
	b = appendString(b, 9, m.Device)
	b = appendInt32(b, 10, m.SdkVersion)
	b = appendString(b, 11, m.Model)
	b = appendString(b, 12, m.Manufacturer)
	b = appendString(b, 13, m.Product)
	b = appendBool(b, 14, m.OtaInstalled)
	return b
}

// AndroidEventProto is one entry of the check-in event log.
type AndroidEventProto struct {
	Tag      *string // 1
	Value    *string // 2
	TimeMsec *int64  // 3
}

func (m *AndroidEventProto) marshal(b []byte) []byte {
	b = appendString(b, 1, m.Tag)
	b = appendString(b, 2, m.Value)
	b = appendInt64(b, 3, m.TimeMsec)
	return b
}

// AndroidCheckinProto is the device state snapshot inside a check-in request.
type AndroidCheckinProto struct {
	Build *AndroidBuildProto   // 1
	Event []*AndroidEventProto // 3
	Type  *int32               // 12, DeviceType
}

func (m *AndroidCheckinProto) marshal(b []byte) []byte {
	if m.Build != nil {
		b = appendMessage(b, 1, m.Build.marshal(nil))
	}
	for _, ev := range m.Event {
		b = appendMessage(b, 3, ev.marshal(nil))
	}
	b = appendInt32(b, 12, m.Type)
	return b
}

// AndroidCheckinRequest is the body POSTed to the check-in endpoint.
type AndroidCheckinRequest struct {
	Id               *int64               // 2
	Digest           *string              // 3
	Checkin          *AndroidCheckinProto // 4
	Locale           *string              // 6
	LoggingId        *int64               // 7
	MacAddr          []string             // 9
	AccountCookie    []string             // 11
	TimeZone         *string              // 12
	SecurityToken    *uint64              // 13, fixed64
	Version          *int32               // 14
	OtaCert          []string             // 15
	SerialNumber     *string              // 16
	MacAddrType      []string             // 19
	Fragment         *int32               // 20
	UserSerialNumber *int32               // 22
}

// Marshal encodes the request in proto wire format.
func (m *AndroidCheckinRequest) Marshal() []byte {
	var b []byte
	b = appendInt64(b, 2, m.Id)
	b = appendString(b, 3, m.Digest)
	if m.Checkin != nil {
		b = appendMessage(b, 4, m.Checkin.marshal(nil))
	}
	b = appendString(b, 6, m.Locale)
	b = appendInt64(b, 7, m.LoggingId)
	for _, v := range m.MacAddr {
		b = appendMessage(b, 9, []byte(v))
	}
	for _, v := range m.AccountCookie {
		b = appendMessage(b, 11, []byte(v))
	}
	b = appendString(b, 12, m.TimeZone)
	if m.SecurityToken != nil {
		b = protowire.AppendTag(b, 13, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, *m.SecurityToken)
	}
	b = appendInt32(b, 14, m.Version)
	for _, v := range m.OtaCert {
		b = appendMessage(b, 15, []byte(v))
	}
	b = appendString(b, 16, m.SerialNumber)
	for _, v := range m.MacAddrType {
		b = appendMessage(b, 19, []byte(v))
	}
	b = appendInt32(b, 20, m.Fragment)
	b = appendInt32(b, 22, m.UserSerialNumber)
	return b
}

// AndroidCheckinResponse carries the minted device identity. Only the fields
// the client consumes are decoded; everything else is skipped.
type AndroidCheckinResponse struct {
	StatsOk       *bool   // 1
	TimeMsec      *int64  // 3
	Digest        *string // 4
	AndroidId     *uint64 // 7, fixed64
	SecurityToken *uint64 // 8, fixed64
}

// GetAndroidId returns the android_id or zero.
func (m *AndroidCheckinResponse) GetAndroidId() uint64 {
	if m == nil || m.AndroidId == nil {
		return 0
	}
	return *m.AndroidId
}

// GetSecurityToken returns the security_token or zero.
func (m *AndroidCheckinResponse) GetSecurityToken() uint64 {
	if m == nil || m.SecurityToken == nil {
		return 0
	}
	return *m.SecurityToken
}

// UnmarshalAndroidCheckinResponse decodes a check-in response.
func UnmarshalAndroidCheckinResponse(data []byte) (*AndroidCheckinResponse, error) {
	resp := &AndroidCheckinResponse{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("checkinpb: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ok := v != 0
			resp.StatsOk = &ok
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ms := int64(v)
			resp.TimeMsec = &ms
			data = data[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s := string(v)
			resp.Digest = &s
			data = data[n:]
		case num == 7 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			resp.AndroidId = &v
			data = data[n:]
		case num == 8 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			resp.SecurityToken = &v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("checkinpb: malformed field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return resp, nil
}

// Marshal encodes a response. Used by tests standing in for the check-in
// server; the client itself only decodes.
func (m *AndroidCheckinResponse) Marshal() []byte {
	var b []byte
	b = appendBool(b, 1, m.StatsOk)
	b = appendInt64(b, 3, m.TimeMsec)
	b = appendString(b, 4, m.Digest)
	if m.AndroidId != nil {
		b = protowire.AppendTag(b, 7, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, *m.AndroidId)
	}
	if m.SecurityToken != nil {
		b = protowire.AppendTag(b, 8, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, *m.SecurityToken)
	}
	return b
}

// UnmarshalAndroidCheckinRequest decodes a check-in request. The client only
// encodes requests; decoding exists for the fake check-in servers in tests.
func UnmarshalAndroidCheckinRequest(data []byte) (*AndroidCheckinRequest, error) {
	req := &AndroidCheckinRequest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("checkinpb: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case 2:
				i := int64(v)
				req.Id = &i
			case 7:
				i := int64(v)
				req.LoggingId = &i
			case 14:
				i := int32(v)
				req.Version = &i
			case 20:
				i := int32(v)
				req.Fragment = &i
			case 22:
				i := int32(v)
				req.UserSerialNumber = &i
			}
		case typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			if num == 13 {
				req.SecurityToken = &v
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case 3:
				s := string(v)
				req.Digest = &s
			case 4:
				checkin, err := unmarshalCheckinProto(v)
				if err != nil {
					return nil, err
				}
				req.Checkin = checkin
			case 6:
				s := string(v)
				req.Locale = &s
			case 9:
				req.MacAddr = append(req.MacAddr, string(v))
			case 11:
				req.AccountCookie = append(req.AccountCookie, string(v))
			case 12:
				s := string(v)
				req.TimeZone = &s
			case 15:
				req.OtaCert = append(req.OtaCert, string(v))
			case 16:
				s := string(v)
				req.SerialNumber = &s
			case 19:
				req.MacAddrType = append(req.MacAddrType, string(v))
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("checkinpb: malformed field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return req, nil
}

func unmarshalCheckinProto(data []byte) (*AndroidCheckinProto, error) {
	m := &AndroidCheckinProto{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			build, err := unmarshalBuildProto(v)
			if err != nil {
				return nil, err
			}
			m.Build = build
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			ev, err := unmarshalEventProto(v)
			if err != nil {
				return nil, err
			}
			m.Event = append(m.Event, ev)
		case num == 12 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			i := int32(v)
			m.Type = &i
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

func unmarshalBuildProto(data []byte) (*AndroidBuildProto, error) {
	m := &AndroidBuildProto{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			s := string(v)
			switch num {
			case 1:
				m.Fingerprint = &s
			case 2:
				m.Hardware = &s
			case 3:
				m.Brand = &s
			case 4:
				m.Radio = &s
			case 5:
				m.Bootloader = &s
			case 6:
				m.ClientId = &s
			case 9:
				m.Device = &s
			case 11:
				m.Model = &s
			case 12:
				m.Manufacturer = &s
			case 13:
				m.Product = &s
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case 7:
				i := int64(v)
				m.Time = &i
			case 8:
				i := int32(v)
				m.PackageVersionCode = &i
			case 10:
				i := int32(v)
				m.SdkVersion = &i
			case 14:
				b := v != 0
				m.OtaInstalled = &b
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

func unmarshalEventProto(data []byte) (*AndroidEventProto, error) {
	m := &AndroidEventProto{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			s := string(v)
			m.Tag = &s
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			s := string(v)
			m.Value = &s
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			i := int64(v)
			m.TimeMsec = &i
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
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

func appendInt64(b []byte, num protowire.Number, v *int64) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(*v))
}

func appendInt32(b []byte, num protowire.Number, v *int32) []byte {
	if v == nil {
		return b
	}
	// proto int32 sign-extends to 64 bits on the wire.
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(*v)))
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
