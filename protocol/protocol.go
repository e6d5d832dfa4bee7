// Package protocol defines the chat room wire format. Clients send
// newline-delimited UTF-8 text; the server answers with length-prefixed,
// tagged events so a client can tell display text apart from roster updates.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Kind discriminates the payload carried by an Event.
type Kind byte

const (
	KindText   Kind = 1 // A line to display verbatim
	KindRoster Kind = 2 // The full list of approved names
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "TEXT"
	case KindRoster:
		return "ROSTER"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

const (
	// MaxFrameSize bounds the body (tag and payload) of a single server frame.
	MaxFrameSize = 1 << 20

	frameHeaderLen = 4
)

var (
	ErrFrameTooLarge    = errors.New("protocol: frame too large")
	ErrUnknownKind      = errors.New("protocol: unknown event kind")
	ErrMalformedPayload = errors.New("protocol: malformed payload")
)

// Event is one value of the server-to-client channel. Exactly one of Text or
// Roster is meaningful, selected by Kind.
type Event struct {
	Kind   Kind
	Text   string
	Roster []string
}

// Text builds a TEXT event.
func Text(s string) Event {
	return Event{Kind: KindText, Text: s}
}

// Roster builds a ROSTER event. The names slice is copied.
func Roster(names []string) Event {
	roster := make([]string, len(names))
	copy(roster, names)
	return Event{Kind: KindRoster, Roster: roster}
}

// String renders the event for logs.
func (e Event) String() string {
	switch e.Kind {
	case KindText:
		return fmt.Sprintf("TEXT(%q)", e.Text)
	case KindRoster:
		return fmt.Sprintf("ROSTER(%q)", e.Roster)
	default:
		return e.Kind.String()
	}
}

// Encode serializes ev into a single frame: a 4-byte little-endian body length
// followed by the body, which is one tag byte and the payload.
//
// Parameters:
//   - ev: The event to encode
//
// Returns:
//   - The encoded frame
//   - ErrUnknownKind for an unsupported kind, ErrFrameTooLarge if the body
//     exceeds MaxFrameSize, or ErrMalformedPayload for an unencodable roster
func Encode(ev Event) ([]byte, error) {
	var payload []byte
	switch ev.Kind {
	case KindText:
		payload = []byte(ev.Text)
	case KindRoster:
		p, err := encodeRoster(ev.Roster)
		if err != nil {
			return nil, err
		}

		payload = p
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, byte(ev.Kind))
	}

	bodyLen := len(payload) + 1
	if bodyLen > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, 0, frameHeaderLen+bodyLen)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(bodyLen))
	frame = append(frame, byte(ev.Kind))
	frame = append(frame, payload...)
	return frame, nil
}

// WriteEvent encodes ev and writes it to w in a single Write call.
func WriteEvent(w io.Writer, ev Event) error {
	frame, err := Encode(ev)
	if err != nil {
		return err
	}

	_, err = w.Write(frame)
	return err
}

// ReadEvent reads exactly one frame from r and decodes it.
//
// A frame whose tag is unknown, or whose payload cannot be decoded, is fully
// consumed before an error wrapping ErrUnknownKind or ErrMalformedPayload is
// returned, so the caller may keep reading. Any other error leaves the stream
// in an undefined position.
//
// Parameters:
//   - r: The stream to read from
//
// Returns:
//   - The decoded event
//   - io.EOF on a clean end of stream, or a read/decode error
func ReadEvent(r io.Reader) (Event, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Event{}, err
	}

	bodyLen := binary.LittleEndian.Uint32(header[:])
	if bodyLen > MaxFrameSize {
		return Event{}, ErrFrameTooLarge
	}

	if bodyLen == 0 {
		return Event{}, fmt.Errorf("%w: empty frame", ErrUnknownKind)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.ErrUnexpectedEOF
		}

		return Event{}, err
	}

	return decodeBody(body)
}

// IsRecoverable reports whether err came from a frame that was skipped as a
// whole, leaving the stream positioned at the next frame.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrMalformedPayload)
}

func decodeBody(body []byte) (Event, error) {
	switch Kind(body[0]) {
	case KindText:
		return Text(string(body[1:])), nil
	case KindRoster:
		names, err := decodeRoster(body[1:])
		if err != nil {
			return Event{}, err
		}

		return Event{Kind: KindRoster, Roster: names}, nil
	default:
		return Event{}, fmt.Errorf("%w: %d", ErrUnknownKind, body[0])
	}
}

// Roster payload: uint16 count, then per name a uint16 length and its bytes.
func encodeRoster(names []string) ([]byte, error) {
	if len(names) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d roster entries", ErrMalformedPayload, len(names))
	}

	size := 2
	for _, name := range names {
		if len(name) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: roster name of %d bytes", ErrMalformedPayload, len(name))
		}

		size += 2 + len(name)
	}

	payload := make([]byte, 0, size)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(names)))
	for _, name := range names {
		payload = binary.LittleEndian.AppendUint16(payload, uint16(len(name)))
		payload = append(payload, name...)
	}

	return payload, nil
}

func decodeRoster(payload []byte) ([]string, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: roster header", ErrMalformedPayload)
	}

	count := int(binary.LittleEndian.Uint16(payload))
	payload = payload[2:]

	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if len(payload) < 2 {
			return nil, fmt.Errorf("%w: roster entry %d", ErrMalformedPayload, i)
		}

		n := int(binary.LittleEndian.Uint16(payload))
		payload = payload[2:]
		if len(payload) < n {
			return nil, fmt.Errorf("%w: roster entry %d", ErrMalformedPayload, i)
		}

		names = append(names, string(payload[:n]))
		payload = payload[n:]
	}

	if len(payload) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPayload, len(payload))
	}

	return names, nil
}
