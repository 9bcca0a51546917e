// Package propertylist implements the length-prefixed property list
// request/response channel spoken by lockdown and by lockdown-started
// device services. Each message on the wire is a 4-byte big-endian
// payload length followed by the property list payload. Requests are
// sent XML-encoded; responses may come back XML- or binary-encoded.
package propertylist

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/micromdm/nanomc/logkeys"

	"github.com/micromdm/nanolib/log"
	"howett.net/plist"
)

// MaxPayloadSize is the largest response payload accepted from a device.
const MaxPayloadSize = 16 << 20

var (
	// ErrDecode is wrapped by Receive errors caused by an undecodable
	// (but fully received) response payload. Transport-level receive
	// failures do not wrap ErrDecode.
	ErrDecode = errors.New("decoding property list")

	ErrClosed          = errors.New("connection closed")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Conn is a property list request/response channel over a stream connection.
// It is not safe for concurrent use; callers perform one blocking Send
// followed by one blocking Receive at a time.
type Conn struct {
	conn   net.Conn
	logger log.Logger
}

type Option func(*Conn)

// WithLogger sets a logger for debug logging of sent and received frames.
func WithLogger(logger log.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

// NewConn creates a property list channel over conn.
// The channel takes ownership of conn; closing the channel closes it.
func NewConn(conn net.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:   conn,
		logger: log.NopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send XML-encodes v and writes it as one length-prefixed message.
func (c *Conn) Send(v interface{}) error {
	if c == nil || c.conn == nil {
		return ErrClosed
	}
	body, err := plist.Marshal(v, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg, uint32(len(body)))
	copy(msg[4:], body)
	if _, err = c.conn.Write(msg); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	c.logger.Debug(logkeys.Message, "sent message", logkeys.GenericCount, len(body))
	return nil
}

// ReceiveBytes reads one length-prefixed message and returns its payload.
func (c *Conn) ReceiveBytes() ([]byte, error) {
	if c == nil || c.conn == nil {
		return nil, ErrClosed
	}
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading message length: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, fmt.Errorf("reading message payload: %w", err)
	}
	c.logger.Debug(logkeys.Message, "received message", logkeys.GenericCount, len(body))
	return body, nil
}

// Receive reads one message and decodes its payload into v.
// The payload encoding (XML or binary) is detected automatically.
func (c *Conn) Receive(v interface{}) error {
	body, err := c.ReceiveBytes()
	if err != nil {
		return err
	}
	if _, err = plist.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// EnableTLS upgrades the underlying connection to TLS in place and
// performs the handshake. Further Send/Receive traffic is encrypted.
func (c *Conn) EnableTLS(config *tls.Config) error {
	if c == nil || c.conn == nil {
		return ErrClosed
	}
	tlsConn := tls.Client(c.conn, config)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	c.conn = tlsConn
	return nil
}

// Close closes the underlying connection. The channel cannot be used again.
func (c *Conn) Close() error {
	if c == nil || c.conn == nil {
		return ErrClosed
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
