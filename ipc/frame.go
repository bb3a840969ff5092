// Package ipc implements the framed message protocol spoken between the
// pool and worker processes over stdio.
//
// Frames are 4-byte big-endian length prefixes followed by a msgpack-encoded
// Envelope. The frame type set is closed: READY, REQUEST, RESPONSE, ERROR,
// IDLE, TERMINATE.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// FrameType discriminates envelope frames.
type FrameType string

// The closed frame type set.
const (
	FrameTypeReady     FrameType = "READY"
	FrameTypeRequest   FrameType = "REQUEST"
	FrameTypeResponse  FrameType = "RESPONSE"
	FrameTypeError     FrameType = "ERROR"
	FrameTypeIdle      FrameType = "IDLE"
	FrameTypeTerminate FrameType = "TERMINATE"
)

// IsControl returns true for frames that carry no request correlation.
func (t FrameType) IsControl() bool {
	return t == FrameTypeReady || t == FrameTypeIdle || t == FrameTypeTerminate
}

// Request is the request payload carried by REQUEST frames.
type Request struct {
	Method  string            `msgpack:"method"`
	URL     string            `msgpack:"url"`
	Headers map[string]string `msgpack:"headers"`
	Body    []byte            `msgpack:"body"`
}

// Response is the response payload carried by RESPONSE frames.
type Response struct {
	Status  int               `msgpack:"status"`
	Headers map[string]string `msgpack:"headers"`
	Body    []byte            `msgpack:"body"`
}

// Envelope is the wire envelope for all frames.
// ReqID correlates REQUEST, RESPONSE and ERROR frames; control frames
// (READY, IDLE, TERMINATE) leave it empty.
type Envelope struct {
	Type  FrameType `msgpack:"type"`
	ReqID string    `msgpack:"req_id,omitempty"`
	Req   *Request  `msgpack:"req,omitempty"`
	Res   *Response `msgpack:"res,omitempty"`
	Error string    `msgpack:"error,omitempty"`
	Stack *string   `msgpack:"stack,omitempty"`
}

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if this error is fatal for the channel.
// Partial and oversized frames leave the stream unsynchronized; there is no
// resync, the worker must be retired.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder decodes length-prefixed msgpack frames from a stream.
type FrameDecoder struct {
	reader io.Reader
}

// NewFrameDecoder creates a new frame decoder.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{reader: r}
}

// ReadFrame reads a single raw payload from the stream.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])

	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}

// ReadEnvelope reads and decodes the next envelope from the stream.
func (d *FrameDecoder) ReadEnvelope() (*Envelope, error) {
	payload, err := d.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(payload)
}

// DecodeEnvelope decodes a payload as an Envelope and validates its type.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var envelope Envelope
	if err := msgpack.Unmarshal(payload, &envelope); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode envelope",
			Err:  err,
		}
	}

	switch envelope.Type {
	case FrameTypeReady, FrameTypeRequest, FrameTypeResponse, FrameTypeError, FrameTypeIdle, FrameTypeTerminate:
		return &envelope, nil
	default:
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("unknown frame type %q", envelope.Type),
		}
	}
}

// FrameEncoder writes length-prefixed msgpack frames to a stream.
// Writes are serialized with a mutex so frames produced by concurrent
// requests never interleave on the wire.
type FrameEncoder struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewFrameEncoder creates a new frame encoder.
func NewFrameEncoder(w io.Writer) *FrameEncoder {
	return &FrameEncoder{writer: w}
}

// WriteEnvelope encodes and writes a single envelope frame.
func (e *FrameEncoder) WriteEnvelope(envelope *Envelope) error {
	payload, err := msgpack.Marshal(envelope)
	if err != nil {
		return &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to encode envelope",
			Err:  err,
		}
	}

	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}

	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.writer.Write(lengthBuf[:]); err != nil {
		return &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to write length prefix",
			Err:  err,
		}
	}
	if _, err := e.writer.Write(payload); err != nil {
		return &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to write payload",
			Err:  err,
		}
	}
	return nil
}
