package websocket

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"
)

// Assembler reassembles fragmented messages from a Reader and routes
// control frames to the caller as they arrive, regardless of whether a
// data message fragmentation is in progress (RFC 6455 Section 5.4: a
// control frame MAY be injected in the middle of a fragmented message).
//
// Text message payloads are validated as UTF-8 incrementally, one
// fragment at a time, so an invalid sequence is rejected as soon as the
// offending bytes arrive instead of only after the whole message is
// buffered.
type Assembler struct {
	reader         *Reader
	maxMessageSize int64

	inFragment bool
	headOpcode byte
	buf        bytes.Buffer
	validator  *utf8Validator
}

// NewAssembler constructs an Assembler reading frames from r.
func NewAssembler(r *Reader, maxMessageSize int64) *Assembler {
	return &Assembler{reader: r, maxMessageSize: maxMessageSize}
}

// Next returns the next logical unit: either a fully reassembled
// Message or a ControlFrame, never both. Callers should loop on Next
// until they get the Message or ControlFrame they're waiting for,
// handling every ControlFrame they see in between (at minimum,
// answering Ping with Pong and Close with Close).
func (a *Assembler) Next(ctx context.Context, timeout time.Duration) (*Message, *ControlFrame, error) {
	for {
		f, err := a.reader.NextFrame(ctx, timeout)
		if err != nil {
			return nil, nil, err
		}

		if isControlFrame(f.opcode) {
			if f.opcode == opcodeClose {
				if err := validateClosePayload(f.payload); err != nil {
					return nil, nil, err
				}
			}
			return nil, &ControlFrame{Opcode: f.opcode, Payload: f.payload}, nil
		}
		if !isDataFrame(f.opcode) {
			// parseFrame already restricts opcodes to the valid set, so
			// this is unreachable in practice; it guards the classification
			// boundary explicitly rather than assuming "not control" means
			// "data".
			return nil, nil, ErrInvalidOpcode
		}

		if !a.inFragment {
			if f.opcode == opcodeContinuation {
				return nil, nil, ErrUnexpectedContinuation
			}
			a.startMessage(f.opcode)
		} else if f.opcode != opcodeContinuation {
			// A new Text/Binary head arriving mid-fragmentation is a
			// distinct wire violation from an idle-state continuation:
			// RFC 6455 Section 5.4 forbids interleaving data messages,
			// not just stray continuations.
			return nil, nil, ErrProtocolError
		}

		if err := a.pushPayload(f.payload); err != nil {
			a.reset()
			return nil, nil, err
		}

		if f.fin {
			msg, err := a.finish()
			if err != nil {
				return nil, nil, err
			}
			return msg, nil, nil
		}
		a.inFragment = true
	}
}

func (a *Assembler) startMessage(opcode byte) {
	a.headOpcode = opcode
	a.buf.Reset()
	if opcode == opcodeText {
		a.validator = &utf8Validator{}
	} else {
		a.validator = nil
	}
}

func (a *Assembler) pushPayload(p []byte) error {
	if a.maxMessageSize > 0 && int64(a.buf.Len()+len(p)) > a.maxMessageSize {
		return ErrMessageTooLarge
	}
	if a.validator != nil {
		if err := a.validator.feed(p); err != nil {
			return err
		}
	}
	a.buf.Write(p)
	return nil
}

func (a *Assembler) finish() (*Message, error) {
	defer a.reset()

	if a.validator != nil {
		if err := a.validator.finalize(); err != nil {
			return nil, err
		}
	}

	kind := BinaryMessage
	if a.headOpcode == opcodeText {
		kind = TextMessage
	}
	payload := append([]byte(nil), a.buf.Bytes()...)
	return &Message{Kind: kind, Payload: payload}, nil
}

func (a *Assembler) reset() {
	a.inFragment = false
	a.headOpcode = 0
	a.buf.Reset()
	a.validator = nil
}

// validateClosePayload enforces RFC 6455 Section 7.1.5/7.1.6: a Close
// payload is either empty, or a 2-byte code followed by a UTF-8 reason.
// A 1-byte payload is always invalid.
func validateClosePayload(payload []byte) error {
	switch {
	case len(payload) == 0:
		return nil
	case len(payload) == 1:
		return ErrCloseFrameInvalid
	default:
		code := CloseCode(binary.BigEndian.Uint16(payload[:2]))
		if err := validateCloseCode(code); err != nil {
			return err
		}
		return validateUTF8(payload[2:])
	}
}
