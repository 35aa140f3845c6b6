package air

import (
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/ewonic/internal/radio"
	"google.golang.org/protobuf/encoding/protowire"
)

// Op identifies a frame. Requests flow client to hub and are answered by
// an OpResult carrying the same ID; events flow hub to client.
type Op uint8

const (
	OpHello Op = iota + 1
	OpResult

	OpStartScan
	OpStopScan
	OpStartAdvertising
	OpStopAdvertising
	OpConnect
	OpDiscoverServices
	OpWrite
	OpSubscribe
	OpDisconnect
	OpServe
	OpNotify

	OpFound
	OpLost
	OpWritten
	OpNotified
	OpDropped
)

var opNames = map[Op]string{
	OpHello:            "hello",
	OpResult:           "result",
	OpStartScan:        "start-scan",
	OpStopScan:         "stop-scan",
	OpStartAdvertising: "start-advertising",
	OpStopAdvertising:  "stop-advertising",
	OpConnect:          "connect",
	OpDiscoverServices: "discover-services",
	OpWrite:            "write",
	OpSubscribe:        "subscribe",
	OpDisconnect:       "disconnect",
	OpServe:            "serve",
	OpNotify:           "notify",
	OpFound:            "found",
	OpLost:             "lost",
	OpWritten:          "written",
	OpNotified:         "notified",
	OpDropped:          "dropped",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

var ErrBadFrame = errors.New("malformed air frame")

// Frame is the single message shape on the wire. Which fields are set
// depends on Op.
type Frame struct {
	Op       Op
	ID       uint64
	Device   uint64
	Addr     radio.Address
	Service  string
	Char     string
	Name     string
	Data     []byte
	Err      string
	Services []radio.Service
}

const (
	fieldOp protowire.Number = iota + 1
	fieldID
	fieldDevice
	fieldAddr
	fieldService
	fieldChar
	fieldName
	fieldData
	fieldErr
	fieldServices
)

const (
	serviceUUID protowire.Number = iota + 1
	serviceChar
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Marshal encodes f in protobuf wire format.
func (f *Frame) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldOp, uint64(f.Op))
	b = appendVarint(b, fieldID, f.ID)
	b = appendVarint(b, fieldDevice, f.Device)
	b = appendString(b, fieldAddr, string(f.Addr))
	b = appendString(b, fieldService, f.Service)
	b = appendString(b, fieldChar, f.Char)
	b = appendString(b, fieldName, f.Name)
	if f.Data != nil {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Data)
	}
	b = appendString(b, fieldErr, f.Err)

	for _, s := range f.Services {
		var inner []byte
		inner = appendString(inner, serviceUUID, s.UUID)
		for _, c := range s.Characteristics {
			inner = protowire.AppendTag(inner, serviceChar, protowire.BytesType)
			inner = protowire.AppendString(inner, c)
		}
		b = protowire.AppendTag(b, fieldServices, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

// Unmarshal decodes a frame, skipping unknown fields.
func Unmarshal(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrBadFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldOp || num == fieldID || num == fieldDevice):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrBadFrame, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldOp:
				f.Op = Op(v)
			case fieldID:
				f.ID = v
			case fieldDevice:
				f.Device = v
			}

		case typ == protowire.BytesType && num >= fieldAddr && num <= fieldServices:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrBadFrame, protowire.ParseError(n))
			}
			b = b[n:]
			if err := f.setBytes(num, v); err != nil {
				return nil, err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrBadFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if f.Op == 0 {
		return nil, fmt.Errorf("%w: missing op", ErrBadFrame)
	}
	return f, nil
}

func (f *Frame) setBytes(num protowire.Number, v []byte) error {
	switch num {
	case fieldAddr:
		f.Addr = radio.Address(v)
	case fieldService:
		f.Service = string(v)
	case fieldChar:
		f.Char = string(v)
	case fieldName:
		f.Name = string(v)
	case fieldData:
		f.Data = append([]byte{}, v...)
	case fieldErr:
		f.Err = string(v)
	case fieldServices:
		s, err := unmarshalService(v)
		if err != nil {
			return err
		}
		f.Services = append(f.Services, s)
	}
	return nil
}

func unmarshalService(b []byte) (radio.Service, error) {
	var s radio.Service
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, fmt.Errorf("%w: service: %w", ErrBadFrame, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return s, fmt.Errorf("%w: service: %w", ErrBadFrame, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return s, fmt.Errorf("%w: service: %w", ErrBadFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case serviceUUID:
			s.UUID = v
		case serviceChar:
			s.Characteristics = append(s.Characteristics, v)
		}
	}
	return s, nil
}

// Radio errors cross the wire as stable codes so callers can still match
// them with errors.Is.
var errCodes = map[error]string{
	radio.ErrPoweredOff:       "powered-off",
	radio.ErrPermissionDenied: "permission-denied",
	radio.ErrUnknownAddress:   "unknown-address",
	radio.ErrNotConnected:     "not-connected",
	radio.ErrNoCharacteristic: "no-characteristic",
}

func encodeErr(err error) string {
	if err == nil {
		return ""
	}
	for sentinel, code := range errCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return err.Error()
}

func decodeErr(s string) error {
	if s == "" {
		return nil
	}
	for sentinel, code := range errCodes {
		if code == s {
			return sentinel
		}
	}
	return errors.New(s)
}
