package packets

// Kind identifies how a message payload is represented.
type Kind uint8

const (
	// KindBinary is a single contiguous byte payload.
	KindBinary Kind = iota
	// KindText is a UTF-8 text payload.
	KindText
	// KindFragments is a binary payload kept as an ordered list of chunks.
	KindFragments
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindText:
		return "text"
	case KindFragments:
		return "fragments"
	default:
		return "unknown"
	}
}

// Message is one logical message transmitted over a Conn.
// A single call that sends a Message is received by the peer as exactly one Message.
type Message struct {
	kind      Kind
	text      string
	data      []byte
	fragments [][]byte
}

// BinaryMessage returns a binary message carrying b.
func BinaryMessage(b []byte) Message {
	return Message{kind: KindBinary, data: b}
}

// TextMessage returns a text message carrying s.
func TextMessage(s string) Message {
	return Message{kind: KindText, text: s}
}

// FragmentedMessage returns a binary message made of the given chunks.
// When sent, the chunks travel as one frame whose length is their sum.
func FragmentedMessage(chunks ...[]byte) Message {
	return Message{kind: KindFragments, fragments: chunks}
}

// Kind returns the payload representation.
func (m Message) Kind() Kind {
	return m.kind
}

// IsText reports whether the message is a text message.
func (m Message) IsText() bool {
	return m.kind == KindText
}

// Length returns the payload length in bytes.
func (m Message) Length() int {
	switch m.kind {
	case KindText:
		return len(m.text)
	case KindFragments:
		n := 0
		for _, f := range m.fragments {
			n += len(f)
		}
		return n
	default:
		return len(m.data)
	}
}

// Body returns the payload as contiguous bytes.
// Fragments are concatenated into a new slice; text is converted.
func (m Message) Body() []byte {
	switch m.kind {
	case KindText:
		return []byte(m.text)
	case KindFragments:
		if len(m.fragments) == 1 {
			return m.fragments[0]
		}
		body := make([]byte, 0, m.Length())
		for _, f := range m.fragments {
			body = append(body, f...)
		}
		return body
	default:
		if m.data == nil {
			return []byte{}
		}
		return m.data
	}
}

// Text returns the payload as a string.
func (m Message) Text() string {
	if m.kind == KindText {
		return m.text
	}
	return string(m.Body())
}

// Fragments returns the ordered payload chunks.
// Non-fragmented messages are returned as a single chunk, or none when empty.
func (m Message) Fragments() [][]byte {
	if m.kind == KindFragments {
		return m.fragments
	}
	if m.Length() == 0 {
		return nil
	}
	return [][]byte{m.Body()}
}

// segments returns the payload chunks to write, skipping empty ones.
func (m Message) segments() [][]byte {
	switch m.kind {
	case KindText:
		if m.text == "" {
			return nil
		}
		return [][]byte{[]byte(m.text)}
	case KindFragments:
		segs := make([][]byte, 0, len(m.fragments))
		for _, f := range m.fragments {
			if len(f) > 0 {
				segs = append(segs, f)
			}
		}
		return segs
	default:
		if len(m.data) == 0 {
			return nil
		}
		return [][]byte{m.data}
	}
}
