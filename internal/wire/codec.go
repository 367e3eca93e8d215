// Package wire encodes input events into the mirroring agent's fixed-layout
// control messages. All multi-byte fields are big-endian.
package wire

import (
	"encoding/binary"
	"math"
)

// MessageType is the first byte of every control message.
type MessageType byte

const (
	TypeInjectKeycode MessageType = 0
	TypeInjectText    MessageType = 1
	TypeInjectTouch   MessageType = 2
	TypeInjectScroll  MessageType = 3
)

// Message sizes of the fixed-layout messages.
const (
	TouchLen      = 32
	KeyLen        = 14
	ScrollLen     = 33
	TextHeaderLen = 5
)

const (
	pointerID     uint64 = 1
	pressureMax   uint16 = 0xFFFF
	primaryButton int32  = 1

	// scroll deltas travel as 16.16 fixed point
	fixedPointOne = 0x10000
)

// Action is the motion/key action byte.
type Action uint8

const (
	ActionDown Action = 0
	ActionUp   Action = 1
	ActionMove Action = 2
)

var touchActions = map[string]Action{
	"down": ActionDown,
	"up":   ActionUp,
	"move": ActionMove,
}

var keyActions = map[string]Action{
	"down": ActionDown,
	"up":   ActionUp,
}

// ParseTouchAction maps a client action name to a touch action.
// Unrecognized names map to ActionUp.
func ParseTouchAction(name string) Action {
	if a, ok := touchActions[name]; ok {
		return a
	}
	return ActionUp
}

// ParseKeyAction maps a client action name to a key action.
// Unrecognized names (including "move") map to ActionUp.
func ParseKeyAction(name string) Action {
	if a, ok := keyActions[name]; ok {
		return a
	}
	return ActionUp
}

// EncodeTouch builds a 32-byte inject-touch message. The caller must drop
// touches that are not Valid before encoding.
func EncodeTouch(t Touch) []byte {
	buf := make([]byte, TouchLen)
	buf[0] = byte(TypeInjectTouch)
	buf[1] = byte(ParseTouchAction(t.Action))
	binary.BigEndian.PutUint64(buf[2:10], pointerID)
	binary.BigEndian.PutUint32(buf[10:14], uint32(roundInt32(t.X)))
	binary.BigEndian.PutUint32(buf[14:18], uint32(roundInt32(t.Y)))
	binary.BigEndian.PutUint16(buf[18:20], roundUint16(t.Width))
	binary.BigEndian.PutUint16(buf[20:22], roundUint16(t.Height))
	binary.BigEndian.PutUint16(buf[22:24], pressureMax)
	binary.BigEndian.PutUint32(buf[24:28], uint32(primaryButton))
	binary.BigEndian.PutUint32(buf[28:32], uint32(primaryButton))
	return buf
}

// EncodeKey builds a 14-byte inject-keycode message with zero repeat and
// meta state.
func EncodeKey(k Key) []byte {
	buf := make([]byte, KeyLen)
	buf[0] = byte(TypeInjectKeycode)
	buf[1] = byte(ParseKeyAction(k.Action))
	binary.BigEndian.PutUint32(buf[2:6], uint32(k.Keycode))
	// repeat [6:10] and meta state [10:14] stay zero
	return buf
}

// EncodeScroll builds a 33-byte inject-scroll message. Scroll amounts are
// wheel ticks and are sent as 16.16 fixed point.
func EncodeScroll(s Scroll) []byte {
	buf := make([]byte, ScrollLen)
	buf[0] = byte(TypeInjectScroll)
	binary.BigEndian.PutUint64(buf[1:9], pointerID)
	binary.BigEndian.PutUint32(buf[9:13], uint32(roundInt32(s.X)))
	binary.BigEndian.PutUint32(buf[13:17], uint32(roundInt32(s.Y)))
	binary.BigEndian.PutUint16(buf[17:19], roundUint16(s.Width))
	binary.BigEndian.PutUint16(buf[19:21], roundUint16(s.Height))
	binary.BigEndian.PutUint32(buf[21:25], uint32(FixedPoint(s.HScroll)))
	binary.BigEndian.PutUint32(buf[25:29], uint32(FixedPoint(s.VScroll)))
	// buttons [29:33] stay zero
	return buf
}

// EncodeText builds an inject-text message: type, UTF-8 byte length, bytes.
func EncodeText(t Text) []byte {
	payload := []byte(t.Text)
	buf := make([]byte, TextHeaderLen+len(payload))
	buf[0] = byte(TypeInjectText)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[TextHeaderLen:], payload)
	return buf
}

// FixedPoint converts a tick value to signed 16.16 fixed point.
func FixedPoint(ticks float64) int32 {
	return roundInt32(ticks * fixedPointOne)
}

func roundInt32(v float64) int32 {
	r := math.Round(v)
	switch {
	case math.IsNaN(r):
		return 0
	case r > math.MaxInt32:
		return math.MaxInt32
	case r < math.MinInt32:
		return math.MinInt32
	}
	return int32(r)
}

func roundUint16(v float64) uint16 {
	r := math.Round(v)
	switch {
	case math.IsNaN(r) || r < 0:
		return 0
	case r > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(r)
}
