package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/arloliu/go-uaclient/ua"
)

// Frame layout, all integers little-endian:
//
//	[4 length][1 kind][2 service][4 request id][4 status][payload]
//
// length counts the bytes following the length field.
const (
	lengthSize = 4
	headerSize = 1 + 2 + 4 + 4

	// MinFrameSize is the smallest valid value of the length field.
	MinFrameSize = headerSize
	// DefaultMaxFrameSize is the default upper bound of the length field.
	DefaultMaxFrameSize = 16 << 20
)

// AppendFrame appends the encoded frame of msg to buf.
func AppendFrame(buf []byte, msg *ua.Message) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(headerSize+len(msg.Payload))) //nolint:gosec
	buf = append(buf, byte(msg.Kind))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(msg.Service))
	buf = binary.LittleEndian.AppendUint32(buf, msg.RequestID)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(msg.Status))

	return append(buf, msg.Payload...)
}

// EncodeFrame returns the encoded frame of msg.
func EncodeFrame(msg *ua.Message) []byte {
	return AppendFrame(make([]byte, 0, lengthSize+headerSize+len(msg.Payload)), msg)
}

// DecodeFrame decodes the bytes following the length field into a pooled message.
// The payload is copied out of body.
func DecodeFrame(body []byte) (*ua.Message, error) {
	if len(body) < headerSize {
		return nil, fmt.Errorf("%w: frame of %d bytes is shorter than header", ua.ErrProtocol, len(body))
	}

	kind := ua.Kind(body[0])
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: invalid frame kind %d", ua.ErrProtocol, body[0])
	}

	var payload []byte
	if n := len(body) - headerSize; n > 0 {
		payload = make([]byte, n)
		copy(payload, body[headerSize:])
	}

	msg := ua.NewMessage(
		kind,
		ua.ServiceType(binary.LittleEndian.Uint16(body[1:])),
		binary.LittleEndian.Uint32(body[3:]),
		payload,
	)
	msg.Status = ua.StatusCode(binary.LittleEndian.Uint32(body[7:]))

	return msg, nil
}

// frameReader reads frames from a connection without losing partially received frames.
//
// The length field is peeked under the receive budget: on timeout, any bytes already received
// stay buffered for the next call. Once a length is complete the rest of the frame is read
// under the frame timeout.
//
// frameReader is not goroutine-safe.
type frameReader struct {
	conn         net.Conn
	reader       *bufio.Reader
	frameTimeout time.Duration
	maxFrameSize uint32
}

func newFrameReader(conn net.Conn, frameTimeout time.Duration, maxFrameSize uint32) *frameReader {
	return &frameReader{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 64<<10),
		frameTimeout: frameTimeout,
		maxFrameSize: maxFrameSize,
	}
}

// readFrame waits at most budget for the start of a frame. It returns ua.ErrReceiveTimeout
// when no complete length field arrived in time.
func (fr *frameReader) readFrame(budget time.Duration) (*ua.Message, error) {
	if budget < time.Millisecond {
		budget = time.Millisecond
	}

	if err := fr.conn.SetReadDeadline(time.Now().Add(budget)); err != nil {
		return nil, fmt.Errorf("set receive deadline: %w", err)
	}

	lenBuf, err := fr.reader.Peek(lengthSize)
	if err != nil {
		if isTimeout(err) {
			return nil, ua.ErrReceiveTimeout
		}

		return nil, fmt.Errorf("read frame length: %w", err)
	}

	frameLen := binary.LittleEndian.Uint32(lenBuf)
	if frameLen < MinFrameSize || frameLen > fr.maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d out of range [%d, %d]", ua.ErrProtocol, frameLen, MinFrameSize, fr.maxFrameSize)
	}

	if _, err := fr.reader.Discard(lengthSize); err != nil {
		return nil, fmt.Errorf("discard frame length: %w", err)
	}

	if err := fr.conn.SetReadDeadline(time.Now().Add(fr.frameTimeout)); err != nil {
		return nil, fmt.Errorf("set frame deadline: %w", err)
	}

	body := make([]byte, frameLen)
	if _, err := io.ReadFull(fr.reader, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return DecodeFrame(body)
}

// ReadFrame blocks until one frame is read from r. It is meant for peers that own a
// dedicated reading goroutine, such as test servers.
func ReadFrame(r io.Reader, maxFrameSize uint32) (*ua.Message, error) {
	var lenBuf [lengthSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen < MinFrameSize || frameLen > maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d out of range [%d, %d]", ua.ErrProtocol, frameLen, MinFrameSize, maxFrameSize)
	}

	body := make([]byte, frameLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return DecodeFrame(body)
}

// WriteFrame writes the encoded frame of msg to w.
func WriteFrame(w io.Writer, msg *ua.Message) error {
	_, err := w.Write(EncodeFrame(msg))
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

// isClosedError reports errors caused by the peer or the local side closing the connection.
func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
