package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// Writer serializes and sends frames on a net.Conn, applying the
// masking policy for role: a client masks every outbound frame with a
// fresh key, a server never masks.
type Writer struct {
	conn       net.Conn
	role       Role
	randSource io.Reader
}

// NewWriter constructs a Writer over conn for the given role. randSource
// feeds mask-key generation when role is RoleClient; nil defaults to
// crypto/rand.
func NewWriter(conn net.Conn, role Role, randSource io.Reader) *Writer {
	return &Writer{conn: conn, role: role, randSource: randSource}
}

// SendFrame masks f (if role is RoleClient) and writes it to the
// connection, applying timeout as a write deadline if positive.
func (w *Writer) SendFrame(ctx context.Context, f *frame, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if w.role == RoleClient {
		key, err := generateMaskKey(w.randSource)
		if err != nil {
			return err
		}
		f.masked = true
		f.mask = key
	} else {
		f.masked = false
	}

	wire, err := f.serialize()
	if err != nil {
		return err
	}

	if timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer w.conn.SetWriteDeadline(time.Time{})
	}

	for written := 0; written < len(wire); {
		n, err := w.conn.Write(wire[written:])
		written += n
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrSendTimeout
			}
			return ErrTransportError
		}
	}
	return nil
}
