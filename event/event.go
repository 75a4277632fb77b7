// Package event defines the structured remote-control command carried
// inside a frame body, and the classification of received bodies into
// plain text or events.
package event

import (
	"fmt"
	"strings"
)

// Type identifies a remote-control action. Values are part of the wire
// format and must not be renumbered.
type Type int

const (
	// Sound
	SoundUp Type = iota
	SoundDown
	SoundMute

	// Mouse
	LeftMouseDown
	LeftMouseUp
	RightMouseDown
	RightMouseUp
	MouseClick

	// Keyboard
	KeyDown
	KeyUp

	// Brightness
	BrightnessLighten
	BrightnessDarken

	// Zoom
	ZoomIn
	ZoomOut
)

var typeNames = [...]string{
	SoundUp:           "sound-up",
	SoundDown:         "sound-down",
	SoundMute:         "sound-mute",
	LeftMouseDown:     "left-mouse-down",
	LeftMouseUp:       "left-mouse-up",
	RightMouseDown:    "right-mouse-down",
	RightMouseUp:      "right-mouse-up",
	MouseClick:        "mouse-click",
	KeyDown:           "key-down",
	KeyUp:             "key-up",
	BrightnessLighten: "brightness-lighten",
	BrightnessDarken:  "brightness-darken",
	ZoomIn:            "zoom-in",
	ZoomOut:           "zoom-out",
}

// Types returns every defined Type in wire order.
func Types() []Type {
	out := make([]Type, len(typeNames))
	for i := range typeNames {
		out[i] = Type(i)
	}
	return out
}

// Valid reports whether t is a defined Type.
func (t Type) Valid() bool {
	return t >= 0 && int(t) < len(typeNames)
}

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType accepts a type name such as "sound-up".
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range typeNames {
		if n == name {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", name)
}

// MarshalText encodes t by name for JSON consumers of the control API.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown event type %d", int(t))
	}
	return []byte(typeNames[t]), nil
}

// UnmarshalText decodes a type name.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Event is a remote-control command. Events are values and are not
// mutated after construction.
type Event struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// New returns an Event of the given type.
func New(t Type, message string) Event {
	return Event{Type: t, Message: message}
}

// String renders e on one line as "type: message" for logs.
func (e Event) String() string {
	if e.Message == "" {
		return e.Type.String()
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
