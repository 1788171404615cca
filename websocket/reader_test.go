package websocket

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_NextFrame_ServerRejectsUnmasked(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		f := &frame{fin: true, opcode: opcodeText, payload: []byte("hi")}
		wire, _ := f.serialize()
		_, _ = client.Write(wire)
	}()

	r := NewReader(server, RoleServer, 0)
	_, err := r.NextFrame(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrMaskRequired)
}

func TestReader_NextFrame_ClientRejectsMasked(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		f := &frame{fin: true, opcode: opcodeText, masked: true, mask: [4]byte{1, 2, 3, 4}, payload: []byte("hi")}
		wire, _ := f.serialize()
		_, _ = server.Write(wire)
	}()

	r := NewReader(client, RoleClient, 0)
	_, err := r.NextFrame(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrMaskUnexpected)
}

func TestReader_NextFrame_UnmasksPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	mask := [4]byte{9, 8, 7, 6}
	go func() {
		f := &frame{fin: true, opcode: opcodeText, masked: true, mask: mask, payload: []byte("secret")}
		wire, _ := f.serialize()
		_, _ = client.Write(wire)
	}()

	r := NewReader(server, RoleServer, 0)
	f, err := r.NextFrame(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(f.payload))
}

func TestReader_NextFrame_SpansShortReads(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	f := &frame{fin: true, opcode: opcodeBinary, masked: true, mask: [4]byte{1, 2, 3, 4}, payload: []byte("split across several writes")}
	wire, _ := f.serialize()

	go func() {
		for i := 0; i < len(wire); i += 3 {
			end := i + 3
			if end > len(wire) {
				end = len(wire)
			}
			_, _ = client.Write(wire[i:end])
			time.Sleep(time.Millisecond)
		}
	}()

	r := NewReader(server, RoleServer, 0)
	got, err := r.NextFrame(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, f.payload, got.payload)
}

func TestReader_NextFrame_TimeoutBoundsAggregateWait(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	f := &frame{fin: true, opcode: opcodeBinary, payload: []byte("never arrives in full")}
	wire, _ := f.serialize()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		// Trickle one byte every 10ms for about 210ms, well under the
		// 100ms timeout per write: a naive per-read deadline would only
		// expire 100ms after the last byte (around 310ms), while a
		// per-frame deadline expires at 100ms.
		for _, b := range wire[:len(wire)-1] {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := client.Write([]byte{b}); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		<-stop
	}()

	r := NewReader(server, RoleServer, 0)
	start := time.Now()
	_, err := r.NextFrame(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrRecvTimeout)
	assert.Less(t, elapsed, 250*time.Millisecond)
}

func TestReader_NextFrame_TimesOut(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := NewReader(server, RoleServer, 0)
	_, err := r.NextFrame(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrRecvTimeout)
}

func TestReader_Prime_SeedsResidualBytes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	f := &frame{fin: true, opcode: opcodeText, masked: true, mask: [4]byte{1, 2, 3, 4}, payload: []byte("primed")}
	wire, _ := f.serialize()

	r := NewReader(server, RoleServer, 0)
	r.Prime(wire)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := r.NextFrame(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "primed", string(got.payload))
}
