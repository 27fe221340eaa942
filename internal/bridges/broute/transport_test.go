package broute

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkStream is a polling stream that yields queued chunks and (0, nil)
// when empty, like a serial port with a read timeout.
type chunkStream struct {
	mu      sync.Mutex
	chunks  [][]byte
	written []byte
	closed  bool
	readErr error
}

func (s *chunkStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.EOF
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	if len(s.chunks) == 0 {
		return 0, nil
	}
	n := copy(p, s.chunks[0])
	if n < len(s.chunks[0]) {
		s.chunks[0] = s.chunks[0][n:]
	} else {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func (s *chunkStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *chunkStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *chunkStream) feed(chunks ...string) {
	s.mu.Lock()
	for _, c := range chunks {
		s.chunks = append(s.chunks, []byte(c))
	}
	s.mu.Unlock()
}

func TestStreamTransportReadLine(t *testing.T) {
	stream := &chunkStream{}
	tr := NewStreamTransport(stream, "test")
	ctx := context.Background()

	stream.feed("SKVER\r\nEVER 1.", "2.10\r\nOK\r\n")

	for _, want := range []string{"SKVER", "EVER 1.2.10", "OK"} {
		line, err := tr.ReadLine(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
	assert.Equal(t, uint64(3), tr.Stats().LinesRx)
}

func TestStreamTransportKeepsPartialLineAcrossTimeout(t *testing.T) {
	stream := &chunkStream{}
	tr := NewStreamTransport(stream, "test")
	ctx := context.Background()

	stream.feed("EVENT 2")
	_, err := tr.ReadLine(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)

	stream.feed("2 " + testOwnIPv6 + "\r\n")
	line, err := tr.ReadLine(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "EVENT 22 "+testOwnIPv6, line)
}

func TestStreamTransportHonoursContext(t *testing.T) {
	tr := NewStreamTransport(&chunkStream{}, "test")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.ReadLine(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamTransportLineTooLong(t *testing.T) {
	stream := &chunkStream{}
	tr := NewStreamTransport(stream, "test")

	big := make([]byte, maxLineLength+1)
	for i := range big {
		big[i] = 'A'
	}
	stream.feed(string(big))

	_, err := tr.ReadLine(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestStreamTransportWriteAndClose(t *testing.T) {
	stream := &chunkStream{}
	tr := NewStreamTransport(stream, "serial:///dev/ttyUSB0")
	ctx := context.Background()

	require.NoError(t, tr.Write(ctx, []byte("SKVER\r\n")))
	assert.Equal(t, "SKVER\r\n", string(stream.written))
	assert.Equal(t, uint64(7), tr.Stats().BytesTx)
	assert.True(t, tr.IsConnected())
	assert.Equal(t, "serial:///dev/ttyUSB0", tr.Address())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Write(ctx, []byte("x")), ErrTransportClosed)
	_, err := tr.ReadLine(ctx, time.Second)
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestStreamTransportReadError(t *testing.T) {
	stream := &chunkStream{readErr: errors.New("device unplugged")}
	tr := NewStreamTransport(stream, "test")

	_, err := tr.ReadLine(context.Background(), time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReadTimeout)
	assert.Equal(t, uint64(1), tr.Stats().ErrorsTotal)
}

func TestParseConnectionURL(t *testing.T) {
	tests := []struct {
		url         string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{url: "serial:///dev/ttyUSB0", wantNetwork: "serial", wantAddress: "/dev/ttyUSB0"},
		{url: "/dev/ttyAMA0", wantNetwork: "serial", wantAddress: "/dev/ttyAMA0"},
		{url: "tcp://192.168.1.20:4001", wantNetwork: "tcp", wantAddress: "192.168.1.20:4001"},
		{url: "tcp://ser2net.local", wantErr: true},
		{url: "serial://", wantErr: true},
		{url: "udp://host:1", wantErr: true},
		{url: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			network, address, err := parseConnectionURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNetwork, network)
			assert.Equal(t, tt.wantAddress, address)
		})
	}
}

func TestOpenTransportTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
		conn.Write([]byte("SKVER\r\nOK\r\n"))
		time.Sleep(200 * time.Millisecond)
	}()

	tr, err := OpenTransport(context.Background(), TransportConfig{Connection: "tcp://" + ln.Addr().String()})
	require.NoError(t, err)
	defer tr.Close()

	p := NewProtocol(tr)
	p.SetReadTimeout(2 * time.Second)
	_, err = p.Exec(context.Background(), "SKVER")
	require.NoError(t, err)
	assert.Equal(t, "SKVER\r\n", <-received)
}

func TestOpenTransportRejectsBadURL(t *testing.T) {
	_, err := OpenTransport(context.Background(), TransportConfig{Connection: "ftp://x"})
	assert.ErrorIs(t, err, ErrConnectionFailed)
}
