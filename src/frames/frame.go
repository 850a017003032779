package frames

import (
	"fmt"
	"sync/atomic"
	"time"
)

var frameCounter uint64

// Direction indicates which leg of the relay a frame is traveling on
type Direction int

const (
	Inbound  Direction = iota // Telephony -> realtime API
	Outbound                  // Realtime API -> telephony
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Frame is the protocol-neutral event exchanged between the two wire codecs.
// Every variant lives in this package and consumers switch on the concrete
// type, with *UnknownFrame as the catch-all for anything a codec could not
// map. The unexported marker keeps plain outside types from satisfying
// Frame, but a type that embeds *BaseFrame still does; such types are not
// supported and fall into the consumer's default arm.
type Frame interface {
	ID() uint64
	Name() string
	PTS() time.Time
	String() string

	frame()
}

// BaseFrame provides common frame functionality
type BaseFrame struct {
	id   uint64
	name string
	pts  time.Time
}

func NewBaseFrame(name string) *BaseFrame {
	return &BaseFrame{
		id:   atomic.AddUint64(&frameCounter, 1),
		name: name,
		pts:  time.Now(),
	}
}

func (f *BaseFrame) ID() uint64 {
	return f.id
}

func (f *BaseFrame) Name() string {
	return f.name
}

func (f *BaseFrame) PTS() time.Time {
	return f.pts
}

func (f *BaseFrame) String() string {
	return fmt.Sprintf("%s[id=%d, pts=%v]", f.name, f.id, f.pts.Format("15:04:05.000"))
}

func (f *BaseFrame) frame() {}
