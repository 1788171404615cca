package websocket

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_SendFrame_ClientMasksOutbound(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := NewWriter(client, RoleClient, bytes.NewReader(bytes.Repeat([]byte{0x42}, 64)))

	done := make(chan error, 1)
	go func() {
		f := &frame{fin: true, opcode: opcodeText, payload: []byte("hello")}
		done <- w.SendFrame(context.Background(), f, time.Second)
	}()

	r := NewReader(server, RoleServer, 0)
	got, err := r.NextFrame(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.True(t, got.masked)
	assert.Equal(t, "hello", string(got.payload))
}

func TestWriter_SendFrame_ServerNeverMasks(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := NewWriter(server, RoleServer, nil)

	done := make(chan error, 1)
	go func() {
		f := &frame{fin: true, opcode: opcodeBinary, payload: []byte("data")}
		done <- w.SendFrame(context.Background(), f, time.Second)
	}()

	r := NewReader(client, RoleClient, 0)
	got, err := r.NextFrame(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.False(t, got.masked)
	assert.Equal(t, "data", string(got.payload))
}

func TestWriter_SendFrame_TimesOut(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	_ = server // never read, so the write has nowhere to drain

	w := NewWriter(client, RoleClient, nil)
	f := &frame{fin: true, opcode: opcodeBinary, payload: bytes.Repeat([]byte{1}, 1024)}
	err := w.SendFrame(context.Background(), f, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrSendTimeout)
}

func TestWriter_SendFrame_RespectsCanceledContext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWriter(client, RoleClient, nil)
	f := &frame{fin: true, opcode: opcodeBinary, payload: []byte("x")}
	err := w.SendFrame(ctx, f, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
