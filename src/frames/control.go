package frames

import "fmt"

// TurnEndedFrame marks the end of an assistant audio response
type TurnEndedFrame struct {
	*BaseFrame
}

func NewTurnEndedFrame() *TurnEndedFrame {
	return &TurnEndedFrame{
		BaseFrame: NewBaseFrame("TurnEndedFrame"),
	}
}

// UnknownFrame is what a codec returns for anything it cannot map: an event
// type it does not handle (Err is nil) or a frame it could not parse (Err set).
type UnknownFrame struct {
	*BaseFrame
	Event string
	Err   error
}

func NewUnknownFrame(event string, err error) *UnknownFrame {
	return &UnknownFrame{
		BaseFrame: NewBaseFrame("UnknownFrame"),
		Event:     event,
		Err:       err,
	}
}

// Malformed reports whether the frame failed to parse
func (f *UnknownFrame) Malformed() bool {
	return f.Err != nil
}

func (f *UnknownFrame) String() string {
	if f.Err != nil {
		return fmt.Sprintf("%s(event=%q, err=%v)", f.BaseFrame.String(), f.Event, f.Err)
	}
	return fmt.Sprintf("%s(event=%q)", f.BaseFrame.String(), f.Event)
}
