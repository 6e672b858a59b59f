package packets

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Errors reported by the frame codec.
var (
	// ErrMessageTooLarge is returned when a frame declares a payload larger than
	// the configured limit, the text ceiling, or what the header can encode.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrHeaderOverrun is returned when more header bytes arrive than the
	// header encoding allows.
	ErrHeaderOverrun = errors.New("frame header overrun")
)

// flagText marks a fixed-header frame whose payload is UTF-8 text.
const flagText uint32 = 1

// Header is a decoded frame header.
type Header struct {
	// Length is the payload length, excluding the header itself.
	Length uint64
	// Flags is the flags bitfield. Always zero for the varint profile.
	Flags uint32
}

// IsText reports whether the text flag is set.
func (h Header) IsText() bool {
	return h.Flags&flagText != 0
}

// Framing is a header encoding. Both peers of a connection must use the same
// Framing; there is no negotiation on the wire.
type Framing interface {
	// MaxHeaderLen returns the largest header this encoding produces.
	MaxHeaderLen() int
	// AppendHeader appends the header for a payload of the given length to dst.
	AppendHeader(dst []byte, length uint64, text bool) ([]byte, error)
	// DecodeHeader decodes hdr, which holds the header bytes received so far.
	// complete is false while more bytes are needed.
	DecodeHeader(hdr []byte) (h Header, complete bool, err error)
}

// FixedHeader is the 8-byte header profile:
// a 4-byte big-endian payload length followed by a 4-byte big-endian flags field.
// Bit 0 of the flags marks a text payload; the remaining bits are reserved.
type FixedHeader struct{}

const fixedHeaderLen = 8

// MaxHeaderLen implements Framing.
func (FixedHeader) MaxHeaderLen() int {
	return fixedHeaderLen
}

// AppendHeader implements Framing.
func (FixedHeader) AppendHeader(dst []byte, length uint64, text bool) ([]byte, error) {
	if length > math.MaxUint32 {
		return dst, errors.Wrapf(ErrMessageTooLarge, "length %d does not fit a fixed header", length)
	}
	var flags uint32
	if text {
		flags |= flagText
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(length))
	return binary.BigEndian.AppendUint32(dst, flags), nil
}

// DecodeHeader implements Framing. Reserved flag bits are ignored.
func (FixedHeader) DecodeHeader(hdr []byte) (Header, bool, error) {
	if len(hdr) > fixedHeaderLen {
		return Header{}, false, ErrHeaderOverrun
	}
	if len(hdr) < fixedHeaderLen {
		return Header{}, false, nil
	}
	return Header{
		Length: uint64(binary.BigEndian.Uint32(hdr[0:4])),
		Flags:  binary.BigEndian.Uint32(hdr[4:8]) & flagText,
	}, true, nil
}

// VarintHeader is the variable-length header profile: the payload length as a
// single unsigned varint, with no flags. Payloads are always binary; text
// messages sent with this profile arrive as binary.
type VarintHeader struct{}

const maxVarintLen = 10

// MaxHeaderLen implements Framing.
func (VarintHeader) MaxHeaderLen() int {
	return maxVarintLen
}

// AppendHeader implements Framing.
func (VarintHeader) AppendHeader(dst []byte, length uint64, _ bool) ([]byte, error) {
	return protowire.AppendVarint(dst, length), nil
}

// DecodeHeader implements Framing.
func (VarintHeader) DecodeHeader(hdr []byte) (Header, bool, error) {
	if len(hdr) == 0 {
		return Header{}, false, nil
	}
	if hdr[len(hdr)-1]&0x80 != 0 {
		if len(hdr) >= maxVarintLen {
			return Header{}, false, ErrHeaderOverrun
		}
		return Header{}, false, nil
	}
	v, n := protowire.ConsumeVarint(hdr)
	if n < 0 {
		return Header{}, false, errors.Wrap(ErrHeaderOverrun, protowire.ParseError(n).Error())
	}
	if n != len(hdr) {
		return Header{}, false, ErrHeaderOverrun
	}
	return Header{Length: v}, true, nil
}

// Encode returns the header bytes and payload segments that carry m as one frame.
// The header is freshly allocated on every call. A zero-length message has no
// payload segments.
func Encode(f Framing, m Message) (header []byte, payload [][]byte, err error) {
	payload = m.segments()

	var length uint64
	for _, seg := range payload {
		length += uint64(len(seg))
	}

	header, err = f.AppendHeader(make([]byte, 0, f.MaxHeaderLen()), length, m.IsText())
	if err != nil {
		return nil, nil, err
	}

	return header, payload, nil
}
