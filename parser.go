package packets

import (
	"math"

	"github.com/pkg/errors"
)

// BinaryType selects how binary payloads are delivered.
type BinaryType int

const (
	// BinaryBuffer delivers each binary message as one contiguous buffer.
	BinaryBuffer BinaryType = iota
	// BinaryFragments delivers each binary message as the ordered list of
	// chunks it arrived in, without concatenating them.
	BinaryFragments
)

const (
	// maxTextLength bounds text payloads, which are copied again when
	// converted to a string.
	maxTextLength = 1<<28 - 16
	// maxInitialAssembly caps the first allocation made for a partially
	// received payload; the buffer grows as bytes arrive.
	maxInitialAssembly = 1 << 20
)

// Parser reassembles frames from arbitrarily chunked input.
//
// A Parser is either awaiting a header or awaiting the rest of a payload.
// Exactly one message is assembled at a time. A Parser is not safe for
// concurrent use; it belongs to one connection.
type Parser struct {
	framing    Framing
	limit      uint64
	binaryType BinaryType

	hdr     []byte
	header  Header
	missing uint64
	inBody  bool
	message []byte
	chunks  [][]byte

	retained bool
}

// NewParser returns a Parser for the given header encoding.
// limit is the largest accepted payload; 0 means unbounded.
func NewParser(f Framing, limit int, binaryType BinaryType) *Parser {
	if f == nil {
		f = FixedHeader{}
	}
	if limit < 0 {
		limit = 0
	}
	return &Parser{
		framing:    f,
		limit:      uint64(limit),
		binaryType: binaryType,
		hdr:        make([]byte, 0, f.MaxHeaderLen()),
	}
}

// Feed consumes the whole chunk, calling emit for every message completed by
// it, in order. The parser state is reset before each emit, so emit may feed
// the parser again.
//
// Feed returns ErrMessageTooLarge or ErrHeaderOverrun when a frame is invalid,
// and stops at the first error returned by emit. After a frame error the
// stream cannot be resynchronized and must be abandoned.
//
// Emitted binary messages may alias chunk; see Retained.
func (p *Parser) Feed(chunk []byte, emit func(Message) error) error {
	p.retained = false

	var err error
	for off := 0; off < len(chunk); {
		if p.inBody {
			off, err = p.parsePayload(chunk, off, emit)
		} else {
			off, err = p.parseHeader(chunk, off, emit)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// Retained reports whether a message emitted or held by the last Feed refers
// to the chunk passed to it. When true, the caller must not overwrite that
// chunk.
func (p *Parser) Retained() bool {
	return p.retained
}

// Missing returns the number of payload bytes still missing from the message
// being assembled, or 0 when awaiting a header.
func (p *Parser) Missing() uint64 {
	return p.missing
}

func (p *Parser) parseHeader(chunk []byte, off int, emit func(Message) error) (int, error) {
	for ; off < len(chunk); off++ {
		if len(p.hdr) >= p.framing.MaxHeaderLen() {
			p.reset()
			return len(chunk), ErrHeaderOverrun
		}
		p.hdr = append(p.hdr, chunk[off])

		h, complete, err := p.framing.DecodeHeader(p.hdr)
		if err != nil {
			p.reset()
			return len(chunk), err
		}
		if !complete {
			continue
		}

		if h.Length == 0 {
			p.reset()
			return off + 1, emit(emptyMessage(h))
		}

		if err = p.checkLength(h); err != nil {
			p.reset()
			return len(chunk), err
		}

		p.hdr = p.hdr[:0]
		p.header = h
		p.missing = h.Length
		p.inBody = true
		return off + 1, nil
	}

	return len(chunk), nil
}

func (p *Parser) checkLength(h Header) error {
	if p.limit > 0 && h.Length > p.limit {
		return errors.Wrapf(ErrMessageTooLarge, "length %d exceeds limit %d", h.Length, p.limit)
	}
	if h.IsText() && h.Length > maxTextLength {
		return errors.Wrapf(ErrMessageTooLarge, "text length %d exceeds %d", h.Length, maxTextLength)
	}
	if h.Length > math.MaxInt {
		return errors.Wrapf(ErrMessageTooLarge, "length %d", h.Length)
	}
	return nil
}

func (p *Parser) parsePayload(chunk []byte, off int, emit func(Message) error) (int, error) {
	free := uint64(len(chunk) - off)
	fragmenting := p.binaryType == BinaryFragments && !p.header.IsText()

	if p.missing <= free {
		end := off + int(p.missing)
		part := chunk[off:end]

		var msg Message
		switch {
		case fragmenting:
			p.chunks = append(p.chunks, part)
			msg = FragmentedMessage(p.chunks...)
			p.retained = true
		case p.message == nil:
			msg = p.complete(part)
			p.retained = p.retained || !p.header.IsText()
		default:
			msg = p.complete(append(p.message, part...))
		}

		p.reset()
		return end, emit(msg)
	}

	part := chunk[off:]
	if fragmenting {
		p.chunks = append(p.chunks, part)
		p.retained = true
	} else {
		if p.message == nil {
			p.message = make([]byte, 0, min(p.missing, maxInitialAssembly))
		}
		p.message = append(p.message, part...)
	}
	p.missing -= free

	return len(chunk), nil
}

func (p *Parser) complete(payload []byte) Message {
	if p.header.IsText() {
		return TextMessage(string(payload))
	}
	return BinaryMessage(payload)
}

func (p *Parser) reset() {
	p.hdr = p.hdr[:0]
	p.header = Header{}
	p.missing = 0
	p.inBody = false
	p.message = nil
	p.chunks = nil
}

func emptyMessage(h Header) Message {
	if h.IsText() {
		return TextMessage("")
	}
	return BinaryMessage([]byte{})
}
