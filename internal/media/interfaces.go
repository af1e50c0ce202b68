package media

import (
	"context"
	"errors"
)

// ErrWouldBlock is returned by the receive side of a two-phase collaborator
// when it has nothing to hand out until more input is submitted.
var ErrWouldBlock = errors.New("would block")

// Source produces packets from an opened input. ReadPacket returns io.EOF
// once the input is exhausted.
type Source interface {
	Streams() []StreamDescriptor
	ReadPacket(ctx context.Context) (*Packet, error)
	Close() error
}

// Sink writes packets into an output container.
//
// AddStream registers an output stream mirroring desc and returns the
// descriptor actually used, whose TimeBase is the container's. Packets given
// to WritePacket carry output stream indices and output time base ticks.
type Sink interface {
	AddStream(desc StreamDescriptor) (StreamDescriptor, error)
	WriteHeader(options map[string]string) error
	WritePacket(pkt *Packet) error
	WriteTrailer() error
	Close() error
}

// Decoder turns packets into frames. ReceiveFrame returns ErrWouldBlock when
// it needs more input and io.EOF once flushed and empty.
type Decoder interface {
	SubmitPacket(pkt *Packet) error
	ReceiveFrame() (*Frame, error)
	// Flush signals end of input. Later ReceiveFrame calls block until a
	// frame is available or the decoder is drained.
	Flush() error
	Close() error
}

// Encoder turns frames into packets. ReceivePacket returns ErrWouldBlock when
// it needs more input and io.EOF once flushed and empty.
type Encoder interface {
	SubmitFrame(frame *Frame) error
	ReceivePacket() (*Packet, error)
	Flush() error
	// Descriptor describes the encoded stream, including its time base.
	Descriptor() StreamDescriptor
	Close() error
}

// Overlay is a single-input single-output frame transform.
type Overlay interface {
	PushFrame(frame *Frame) error
	// PullFrame returns ErrWouldBlock when no frame is ready.
	PullFrame() (*Frame, error)
	Close() error
}
