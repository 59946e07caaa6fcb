package frame

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Type is the single-byte wire tag that leads every frame.
type Type uint8

const (
	TypeData Type = iota
	TypeEnd
	TypePing
	TypePong
	TypeServerHello
	TypeClientHello
)

const (
	// MaxPayloadLen is the largest DATA payload the u16 length field can carry.
	MaxPayloadLen = 0xFFFF
	// DataHeaderLen is tag + u16 length.
	DataHeaderLen = 3
	SessionIDLen  = 4
	// ServerHelloLen is tag + session id.
	ServerHelloLen = 1 + SessionIDLen
)

var (
	ErrShortFrame      = errors.New("frame: need more data")
	ErrUnknownType     = errors.New("frame: unknown frame type")
	ErrMessageTooLarge = errors.New("frame: message too large")
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeEnd:
		return "END"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeServerHello:
		return "SERVER_HELLO"
	case TypeClientHello:
		return "CLIENT_HELLO"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Known reports whether t is one of the six protocol tags.
func (t Type) Known() bool {
	return t <= TypeClientHello
}

// SessionID is the 4-byte identifier carried by SERVER_HELLO.
type SessionID [SessionIDLen]byte

func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// Frame is one decoded wire unit. Payload is empty for END, PING, PONG and CLIENT_HELLO.
type Frame struct {
	Type    Type
	Payload []byte
}

// SessionID returns the session id of a SERVER_HELLO frame.
func (f Frame) SessionID() (SessionID, bool) {
	var id SessionID
	if f.Type != TypeServerHello || len(f.Payload) != SessionIDLen {
		return id, false
	}
	copy(id[:], f.Payload)
	return id, true
}

// DecodeError reports a tag byte that no frame type claims.
type DecodeError struct {
	Tag    byte
	Offset int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame: unknown frame type 0x%02x at offset %d", e.Tag, e.Offset)
}

func (e *DecodeError) Unwrap() error {
	return ErrUnknownType
}

// Decode identifies the next frame at the start of buf.
//
// n is the number of bytes consumed. For a DATA frame whose header is present
// but whose payload is not, Decode returns the payload bytes seen so far,
// n == len(buf) and missing > 0. ErrShortFrame means a known frame needs more
// bytes before anything can be consumed; an unknown tag yields *DecodeError.
// Returned payloads alias buf.
func Decode(buf []byte) (f Frame, n int, missing int, err error) {
	if len(buf) == 0 {
		return Frame{}, 0, 0, ErrShortFrame
	}
	t := Type(buf[0])
	switch t {
	case TypeData:
		if len(buf) < DataHeaderLen {
			return Frame{}, 0, 0, ErrShortFrame
		}
		length := int(binary.BigEndian.Uint16(buf[1:DataHeaderLen]))
		present := len(buf) - DataHeaderLen
		if length > present {
			return Frame{Type: TypeData, Payload: buf[DataHeaderLen:]}, len(buf), length - present, nil
		}
		end := DataHeaderLen + length
		return Frame{Type: TypeData, Payload: buf[DataHeaderLen:end]}, end, 0, nil
	case TypeServerHello:
		if len(buf) < ServerHelloLen {
			return Frame{}, 0, 0, ErrShortFrame
		}
		return Frame{Type: TypeServerHello, Payload: buf[1:ServerHelloLen]}, ServerHelloLen, 0, nil
	case TypeEnd, TypePing, TypePong, TypeClientHello:
		return Frame{Type: t}, 1, 0, nil
	default:
		return Frame{}, 0, 0, &DecodeError{Tag: buf[0]}
	}
}

// AppendData appends msg to dst as a run of DATA frames, splitting at
// MaxPayloadLen. An empty msg appends nothing.
func AppendData(dst, msg []byte) []byte {
	for len(msg) > 0 {
		n := len(msg)
		if n > MaxPayloadLen {
			n = MaxPayloadLen
		}
		dst = append(dst, byte(TypeData), 0, 0)
		binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(n))
		dst = append(dst, msg[:n]...)
		msg = msg[n:]
	}
	return dst
}

// AppendMessage appends the DATA sequence for msg followed by END.
func AppendMessage(dst, msg []byte) []byte {
	dst = AppendData(dst, msg)
	return append(dst, byte(TypeEnd))
}

// AppendControl appends a control frame. sid is only written for SERVER_HELLO.
func AppendControl(dst []byte, t Type, sid SessionID) ([]byte, error) {
	switch t {
	case TypeEnd, TypePing, TypePong, TypeClientHello:
		return append(dst, byte(t)), nil
	case TypeServerHello:
		dst = append(dst, byte(t))
		return append(dst, sid[:]...), nil
	default:
		return dst, fmt.Errorf("frame: %s is not a control frame", t)
	}
}

// EncodedLen is the wire size of msg once framed with AppendMessage.
func EncodedLen(msg []byte) int {
	frames := (len(msg) + MaxPayloadLen - 1) / MaxPayloadLen
	return len(msg) + frames*DataHeaderLen + 1
}

// EncodeMessage returns msg framed as DATA frames plus END.
func EncodeMessage(msg []byte) []byte {
	return AppendMessage(make([]byte, 0, EncodedLen(msg)), msg)
}

// Limits constrains decoder memory use.
type Limits struct {
	// MaxMessageBytes bounds one reassembled message. Zero disables the check.
	MaxMessageBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes: 16 * 1024 * 1024,
	}
}
