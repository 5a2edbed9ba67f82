package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ugorji/go/codec"
)

const (
	// maxFrameSize bounds a single frame. Graphs are capped by
	// max-nodes, so well-behaved peers never come close.
	maxFrameSize = 1 << 20

	// we need this high buffer size to coalesce graph frames
	bufSize = 1 << 16
)

var (
	// ErrUnknownTag is returned by ReadMessage for frames carrying an
	// unknown kind. The frame is fully consumed; the caller logs and
	// keeps reading.
	ErrUnknownTag = errors.New("unknown message tag")

	// ErrFrameTooLarge is returned for frames exceeding the size cap.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// Framed turns a net.Conn into a duplex stream of typed messages. Each
// frame is a 4-byte big-endian length, one tag byte, and a msgpack
// body. Framed is not safe for concurrent reads or concurrent writes;
// a session reads from one goroutine and writes from another.
type Framed struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	mh   codec.MsgpackHandle
}

// NewFramed wraps a connection.
func NewFramed(conn net.Conn) *Framed {
	return &Framed{
		conn: conn,
		r:    bufio.NewReaderSize(conn, bufSize),
		w:    bufio.NewWriterSize(conn, bufSize),
	}
}

// ReadMessage blocks until a full frame is available and decodes it.
// An ErrUnknownTag error leaves the stream positioned at the next
// frame.
func (f *Framed) ReadMessage() (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, err
	}

	tag := Kind(buf[0])
	body := buf[1:]

	var msg Message
	switch tag {
	case KindHandshake:
		msg = &Handshake{}
	case KindHeartbeatRequest:
		msg = &HeartbeatRequest{}
	case KindHeartbeatResponse:
		msg = &HeartbeatResponse{}
	case KindContactsRequest:
		msg = &ContactsRequest{}
	case KindContactsResponse:
		msg = &ContactsResponse{}
	case KindGoodbye:
		msg = &Goodbye{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, buf[0])
	}

	if err := codec.NewDecoderBytes(body, &f.mh).Decode(msg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", tag, err)
	}
	return msg, nil
}

// WriteMessage encodes and flushes one frame.
func (f *Framed) WriteMessage(msg Message) error {
	var body []byte
	if err := codec.NewEncoderBytes(&body, &f.mh).Encode(msg); err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Kind(), err)
	}
	if len(body)+1 > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body)+1)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)+1))
	if _, err := f.w.Write(header[:]); err != nil {
		return err
	}
	if err := f.w.WriteByte(byte(msg.Kind())); err != nil {
		return err
	}
	if _, err := f.w.Write(body); err != nil {
		return err
	}
	return f.w.Flush()
}

// SetReadDeadline applies a deadline to the next read.
func (f *Framed) SetReadDeadline(t time.Time) error {
	return f.conn.SetReadDeadline(t)
}

// SetWriteDeadline applies a deadline to the next write.
func (f *Framed) SetWriteDeadline(t time.Time) error {
	return f.conn.SetWriteDeadline(t)
}

// RemoteAddr returns the remote end of the connection.
func (f *Framed) RemoteAddr() net.Addr {
	return f.conn.RemoteAddr()
}

// Close closes the underlying connection. Pending reads unblock with
// an error.
func (f *Framed) Close() error {
	return f.conn.Close()
}
