package event

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// ErrDecode is wrapped by every failure to interpret a frame body.
var ErrDecode = errors.New("event: body is neither text nor an encoded event")

// wireEvent is the CBOR form of an Event. Keys match the field names
// the first clients archived.
type wireEvent struct {
	Type    *int   `cbor:"eventType"`
	Message string `cbor:"message"`
}

// encMode uses Core Deterministic Encoding so the same Event always
// produces identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("event: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels: 4,
	}.DecMode()
	if err != nil {
		panic("event: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode returns the binary encoding of e.
func Encode(e Event) ([]byte, error) {
	if !e.Type.Valid() {
		return nil, fmt.Errorf("encode event: unknown type %d", int(e.Type))
	}
	t := int(e.Type)
	return encMode.Marshal(wireEvent{Type: &t, Message: e.Message})
}

// Decode parses the binary encoding produced by Encode.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if w.Type == nil {
		return Event{}, fmt.Errorf("%w: missing event type", ErrDecode)
	}
	t := Type(*w.Type)
	if !t.Valid() {
		return Event{}, fmt.Errorf("%w: unknown event type %d", ErrDecode, *w.Type)
	}
	return Event{Type: t, Message: w.Message}, nil
}

// PayloadKind tells how a received body was interpreted.
type PayloadKind int

const (
	PayloadText PayloadKind = iota + 1
	PayloadEvent
)

// Payload is a classified frame body.
type Payload struct {
	Kind  PayloadKind
	Text  string
	Event Event
}

// ParsePayload interprets body as UTF-8 text first and falls back to the
// structured Event encoding. Encoded events always begin with a CBOR map
// header, which is never a valid UTF-8 leading byte, so the two forms
// cannot be confused.
func ParsePayload(body []byte) (Payload, error) {
	if utf8.Valid(body) {
		return Payload{Kind: PayloadText, Text: string(body)}, nil
	}
	e, err := Decode(body)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Kind: PayloadEvent, Event: e}, nil
}
