package frame

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// HeaderLen is kind(1) + typeNameLength(4) + payloadLength(4).
const HeaderLen = 9

// Kind is the leading message type tag of every frame.
type Kind uint8

const (
	KindStandard   Kind = 0
	KindDisconnect Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindStandard:
		return "standard"
	case KindDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ByteOrder of the two length fields.
var ByteOrder = binary.LittleEndian

var (
	ErrEndOfStream         = errors.New("frame: end of stream")
	ErrFrameTruncated      = errors.New("frame: truncated frame")
	ErrUnknownKind         = errors.New("frame: unknown message kind")
	ErrMalformedDisconnect = errors.New("frame: disconnect frame carries lengths")
	ErrTypeNameTooLarge    = errors.New("frame: type name too large")
	ErrPayloadTooLarge     = errors.New("frame: payload too large")
	ErrInvalidTypeName     = errors.New("frame: type name is not valid utf-8")
	ErrMissingTypeName     = errors.New("frame: standard frame missing type name")
)

// Envelope is one decoded wire message. TypeName and Payload are only
// meaningful for KindStandard.
type Envelope struct {
	Kind     Kind
	TypeName string
	Payload  []byte
}

// Standard builds a standard envelope.
func Standard(typeName string, payload []byte) Envelope {
	return Envelope{Kind: KindStandard, TypeName: typeName, Payload: payload}
}

// Disconnect builds the peer shutdown envelope.
func Disconnect() Envelope {
	return Envelope{Kind: KindDisconnect}
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxTypeNameBytes uint32
	MaxPayloadBytes  uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxTypeNameBytes: 1024,
		MaxPayloadBytes:  16 * 1024 * 1024,
	}
}

// Source is a cancellable byte source that fills buf completely or fails.
// It returns io.EOF when closed before the first byte and
// io.ErrUnexpectedEOF when closed part way through buf. A read ended by
// ctx should consume nothing.
type Source interface {
	ReadFull(ctx context.Context, buf []byte) error
}

// Encode renders env into its wire form.
func Encode(env Envelope, limits Limits) ([]byte, error) {
	switch env.Kind {
	case KindDisconnect:
		buf := make([]byte, HeaderLen)
		buf[0] = byte(KindDisconnect)
		return buf, nil
	case KindStandard:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(env.Kind))
	}

	if env.TypeName == "" {
		return nil, ErrMissingTypeName
	}
	if !utf8.ValidString(env.TypeName) {
		return nil, ErrInvalidTypeName
	}
	nameLen := uint64(len(env.TypeName))
	payloadLen := uint64(len(env.Payload))
	if nameLen > uint64(limits.MaxTypeNameBytes) {
		return nil, ErrTypeNameTooLarge
	}
	if payloadLen > uint64(limits.MaxPayloadBytes) {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderLen+len(env.TypeName)+len(env.Payload))
	buf[0] = byte(KindStandard)
	ByteOrder.PutUint32(buf[1:5], uint32(nameLen))
	ByteOrder.PutUint32(buf[5:9], uint32(payloadLen))
	n := copy(buf[HeaderLen:], env.TypeName)
	copy(buf[HeaderLen+n:], env.Payload)
	return buf, nil
}

// Unreader is implemented by sources that can take bytes back. Decode uses it
// to return the header when the body read is interrupted, so a cancelled
// decode leaves the stream at the frame boundary.
type Unreader interface {
	Unread(b []byte)
}

// Decode reads exactly one envelope from src.
func Decode(ctx context.Context, src Source, limits Limits) (Envelope, error) {
	var header [HeaderLen]byte
	if err := src.ReadFull(ctx, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Envelope{}, ErrEndOfStream
		}
		return Envelope{}, readErr(err)
	}
	kind := Kind(header[0])
	nameLen := ByteOrder.Uint32(header[1:5])
	payloadLen := ByteOrder.Uint32(header[5:9])

	switch kind {
	case KindDisconnect:
		if nameLen != 0 || payloadLen != 0 {
			return Envelope{}, fmt.Errorf("%w: name=%d payload=%d", ErrMalformedDisconnect, nameLen, payloadLen)
		}
		return Disconnect(), nil
	case KindStandard:
	default:
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownKind, header[0])
	}

	if nameLen > limits.MaxTypeNameBytes {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrTypeNameTooLarge, nameLen)
	}
	if payloadLen > limits.MaxPayloadBytes {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadLen)
	}

	body := make([]byte, uint64(nameLen)+uint64(payloadLen))
	if len(body) > 0 {
		if err := src.ReadFull(ctx, body); err != nil {
			if u, ok := src.(Unreader); ok && ctx.Err() != nil {
				u.Unread(header[:])
			}
			return Envelope{}, readErr(err)
		}
	}
	name := body[:nameLen]
	if !utf8.Valid(name) {
		return Envelope{}, ErrInvalidTypeName
	}
	return Envelope{
		Kind:     KindStandard,
		TypeName: string(name),
		Payload:  body[nameLen:],
	}, nil
}

// Mid-frame EOF of any flavour means the frame was cut short.
func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrFrameTruncated, err)
	}
	return err
}

// ReaderSource adapts a plain io.Reader. Cancellation is only observed
// between reads.
func ReaderSource(r io.Reader) Source {
	return readerSource{r: r}
}

type readerSource struct {
	r io.Reader
}

func (s readerSource) ReadFull(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := io.ReadFull(s.r, buf)
	return err
}
