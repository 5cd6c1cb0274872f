package transport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-uaclient/ua"
)

func TestEncodeDecodeFrame(t *testing.T) {
	require := require.New(t)

	msg := ua.NewMessage(ua.KindResponse, ua.ServiceReadResponse, 0x01020304, []byte{0xaa, 0xbb})
	msg.Status = ua.StatusBadTimeout
	defer msg.Free()

	data := EncodeFrame(msg)
	require.Equal([]byte{
		13, 0, 0, 0, // length
		byte(ua.KindResponse),
		0x7a, 0x02, // 634
		0x04, 0x03, 0x02, 0x01,
		0x00, 0x00, 0x0a, 0x80,
		0xaa, 0xbb,
	}, data)

	decoded, err := DecodeFrame(data[lengthSize:])
	require.NoError(err)
	defer decoded.Free()
	require.Equal(ua.KindResponse, decoded.Kind)
	require.Equal(ua.ServiceReadResponse, decoded.Service)
	require.Equal(uint32(0x01020304), decoded.RequestID)
	require.Equal(ua.StatusBadTimeout, decoded.Status)
	require.Equal([]byte{0xaa, 0xbb}, decoded.Payload)

	// payload must not alias the input buffer
	data[lengthSize+headerSize] = 0
	require.Equal(byte(0xaa), decoded.Payload[0])
}

func TestDecodeFrame_Invalid(t *testing.T) {
	require := require.New(t)

	_, err := DecodeFrame([]byte{1, 2, 3})
	require.ErrorIs(err, ua.ErrProtocol)

	body := make([]byte, headerSize)
	body[0] = 0xff
	_, err = DecodeFrame(body)
	require.ErrorIs(err, ua.ErrProtocol)

	body[0] = byte(ua.KindUnknown)
	_, err = DecodeFrame(body)
	require.ErrorIs(err, ua.ErrProtocol)
}

func TestReadWriteFrame(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	req := ua.NewMessage(ua.KindRequest, ua.ServiceReadRequest, 42, []byte("probe"))
	defer req.Free()
	require.NoError(WriteFrame(&buf, req))

	got, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(err)
	defer got.Free()
	require.Equal(uint32(42), got.RequestID)
	require.Equal([]byte("probe"), got.Payload)

	buf.Write([]byte{1, 0, 0, 0})
	_, err = ReadFrame(&buf, DefaultMaxFrameSize)
	require.ErrorIs(err, ua.ErrProtocol)
}

func TestFrameReader(t *testing.T) {
	t.Run("idle budget times out", func(t *testing.T) {
		require := require.New(t)

		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		fr := newFrameReader(client, time.Second, DefaultMaxFrameSize)
		start := time.Now()
		_, err := fr.readFrame(20 * time.Millisecond)
		require.ErrorIs(err, ua.ErrReceiveTimeout)
		require.GreaterOrEqual(time.Since(start), 20*time.Millisecond)
	})

	t.Run("partial length survives a timeout", func(t *testing.T) {
		require := require.New(t)

		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		msg := ua.NewMessage(ua.KindNotification, ua.ServicePublishResponse, 0, []byte{1, 2, 3})
		data := EncodeFrame(msg)
		msg.Free()

		go func() {
			_, _ = server.Write(data[:2])
		}()

		fr := newFrameReader(client, time.Second, DefaultMaxFrameSize)
		_, err := fr.readFrame(30 * time.Millisecond)
		require.ErrorIs(err, ua.ErrReceiveTimeout)

		go func() {
			_, _ = server.Write(data[2:])
		}()

		got, err := fr.readFrame(time.Second)
		require.NoError(err)
		defer got.Free()
		require.Equal(ua.KindNotification, got.Kind)
		require.Equal([]byte{1, 2, 3}, got.Payload)
	})

	t.Run("oversized frame", func(t *testing.T) {
		require := require.New(t)

		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		go func() {
			_, _ = server.Write([]byte{0xff, 0xff, 0x00, 0x00})
		}()

		fr := newFrameReader(client, time.Second, 1024)
		_, err := fr.readFrame(time.Second)
		require.ErrorIs(err, ua.ErrProtocol)
	})

	t.Run("truncated body", func(t *testing.T) {
		require := require.New(t)

		client, server := net.Pipe()
		defer client.Close()

		msg := ua.NewMessage(ua.KindResponse, ua.ServiceReadResponse, 1, []byte{1, 2, 3, 4})
		data := EncodeFrame(msg)
		msg.Free()

		go func() {
			_, _ = server.Write(data[:8])
			server.Close()
		}()

		fr := newFrameReader(client, time.Second, DefaultMaxFrameSize)
		_, err := fr.readFrame(time.Second)
		require.Error(err)
		require.True(isClosedError(err))
	})
}
