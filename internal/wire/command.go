package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies a control command variant.
type Kind string

const (
	KindTouch  Kind = "touch"
	KindKey    Kind = "key"
	KindScroll Kind = "scroll"
	KindText   Kind = "text"
	KindSwipe  Kind = "swipe"
)

// Command is one of Touch, Key, Scroll, Text or Swipe.
type Command interface {
	Kind() Kind
	command()
}

// Touch is a single-pointer touch event in device screen coordinates.
type Touch struct {
	Action string  `json:"action"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Key is a key press or release.
type Key struct {
	Action  string `json:"action"`
	Keycode int32  `json:"keycode"`
}

// Scroll is a wheel event; HScroll and VScroll are in ticks.
type Scroll struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	HScroll float64 `json:"hScroll"`
	VScroll float64 `json:"vScroll"`
}

// Text injects a UTF-8 string.
type Text struct {
	Text string `json:"text"`
}

// Swipe is a gesture executed by the device shell rather than the agent.
type Swipe struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	EndX     float64 `json:"endX"`
	EndY     float64 `json:"endY"`
	Duration int     `json:"duration"`
}

// DefaultSwipeDuration is used when a swipe has no positive duration (ms).
const DefaultSwipeDuration = 100

func (Touch) Kind() Kind  { return KindTouch }
func (Key) Kind() Kind    { return KindKey }
func (Scroll) Kind() Kind { return KindScroll }
func (Text) Kind() Kind   { return KindText }
func (Swipe) Kind() Kind  { return KindSwipe }

func (Touch) command()  {}
func (Key) command()    {}
func (Scroll) command() {}
func (Text) command()   {}
func (Swipe) command()  {}

// Valid reports whether the touch carries a usable screen size.
func (t Touch) Valid() bool { return validSize(t.Width, t.Height) }

// Valid reports whether the scroll carries a usable screen size.
func (s Scroll) Valid() bool { return validSize(s.Width, s.Height) }

func validSize(w, h float64) bool {
	return w > 0 && h > 0 && w <= math.MaxUint16 && h <= math.MaxUint16
}

// ShellArgs returns the device shell arguments performing the swipe.
func (s Swipe) ShellArgs() []string {
	d := s.Duration
	if d <= 0 {
		d = DefaultSwipeDuration
	}
	return []string{
		"input", "swipe",
		strconv.Itoa(int(math.Round(s.X))),
		strconv.Itoa(int(math.Round(s.Y))),
		strconv.Itoa(int(math.Round(s.EndX))),
		strconv.Itoa(int(math.Round(s.EndY))),
		strconv.Itoa(d),
	}
}

// Encode returns the agent message for cmd. ok is false for swipes, which
// have no agent encoding, and for touch/scroll commands without a valid
// screen size.
func Encode(cmd Command) (msg []byte, ok bool) {
	switch c := cmd.(type) {
	case Touch:
		if !c.Valid() {
			return nil, false
		}
		return EncodeTouch(c), true
	case Key:
		return EncodeKey(c), true
	case Scroll:
		if !c.Valid() {
			return nil, false
		}
		return EncodeScroll(c), true
	case Text:
		return EncodeText(c), true
	case Swipe:
		return nil, false
	}
	return nil, false
}

type envelope struct {
	Type Kind `json:"type"`
}

// Decode parses a tagged JSON command such as
// {"type":"touch","action":"down","x":10,"y":20,"width":1080,"height":1920}.
func Decode(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	var (
		cmd Command
		err error
	)
	switch env.Type {
	case KindTouch:
		var c Touch
		err = json.Unmarshal(data, &c)
		cmd = c
	case KindKey:
		var c Key
		err = json.Unmarshal(data, &c)
		cmd = c
	case KindScroll:
		var c Scroll
		err = json.Unmarshal(data, &c)
		cmd = c
	case KindText:
		var c Text
		err = json.Unmarshal(data, &c)
		cmd = c
	case KindSwipe:
		var c Swipe
		err = json.Unmarshal(data, &c)
		cmd = c
	default:
		return nil, fmt.Errorf("decode command: unknown type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s command: %w", env.Type, err)
	}
	return cmd, nil
}

// Marshal renders cmd in its tagged JSON form.
func Marshal(cmd Command) ([]byte, error) {
	fields, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(fields, &m); err != nil {
		return nil, err
	}
	m["type"] = cmd.Kind()
	return json.Marshal(m)
}
