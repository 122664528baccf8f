package snapshot

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCamera answers one connection: it reads len(Cam0) bytes, records them
// and replies with payload before closing.
func fakeCamera(t *testing.T, payload []byte) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	commands := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, len(Cam0))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		commands <- string(buf)
		_, _ = conn.Write(payload)
	}()
	return ln.Addr().String(), commands
}

func TestFetch_ReturnsPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 4096)
	addr, commands := fakeCamera(t, payload)

	got := NewClient(addr, Options{Timeout: time.Second}).Fetch(context.Background(), Cam1)

	assert.Equal(t, payload, got)
	assert.Equal(t, Cam1, <-commands)
}

func TestFetch_StopsAtByteBudget(t *testing.T) {
	addr, _ := fakeCamera(t, bytes.Repeat([]byte("x"), 1024))

	got := NewClient(addr, Options{Timeout: time.Second, MaxBytes: 100}).Fetch(context.Background(), Cam0)

	assert.Len(t, got, 100)
}

func TestFetch_ConnectionRefusedIsEmpty(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var got []byte
	assert.NotPanics(t, func() {
		got = NewClient(addr, Options{Timeout: time.Second}).Fetch(context.Background(), Cam0)
	})
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestFetch_SilentPeerTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(time.Second)
	}()

	started := time.Now()
	got := NewClient(ln.Addr().String(), Options{Timeout: 100 * time.Millisecond}).Fetch(context.Background(), Cam0)

	assert.Empty(t, got)
	assert.Less(t, time.Since(started), 900*time.Millisecond)
}

func TestFetch_UnknownCommand(t *testing.T) {
	got := NewClient("127.0.0.1:1", Options{}).Fetch(context.Background(), "CAM_9")
	assert.Empty(t, got)
	assert.False(t, ValidCommand("cam_0"))
	assert.True(t, ValidCommand(Cam0))
}
