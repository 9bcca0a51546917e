// Package usbmux is a minimal client for the usbmuxd device multiplexer.
// It supports listing attached devices, reading pair records, and opening
// TCP connections to device ports. Messages are XML property lists behind
// a 16-byte little-endian binary header.
package usbmux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"howett.net/plist"
)

// DefaultSocketPath is the usbmuxd control socket.
const DefaultSocketPath = "/var/run/usbmuxd"

const (
	progName      = "nanomc"
	clientVersion = "nanomc-1"

	// binary protocol version and the plist message type
	muxVersion   = 1
	muxPlistType = 8

	headerSize = 16

	// largest message payload accepted from the daemon
	maxMessageSize = 16 << 20
)

var (
	ErrNoDevice        = errors.New("no device found")
	ErrNoPairRecord    = errors.New("no pair record")
	ErrConnectRefused  = errors.New("device refused connection")
	ErrMalformedHeader = errors.New("malformed usbmuxd header")
)

// Device is an attached device as reported by usbmuxd.
type Device struct {
	DeviceID   int
	Properties DeviceProperties
}

// DeviceProperties carries a subset of the usbmuxd device attributes.
type DeviceProperties struct {
	ConnectionType string
	SerialNumber   string
	LocationID     int `plist:"LocationID,omitempty"`
	ProductID      int `plist:"ProductID,omitempty"`
}

// UDID returns the device UDID (its usbmuxd serial number).
func (d *Device) UDID() string {
	if d == nil {
		return ""
	}
	return d.Properties.SerialNumber
}

type baseRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
}

func newBaseRequest(messageType string) baseRequest {
	return baseRequest{
		MessageType:         messageType,
		ProgName:            progName,
		ClientVersionString: clientVersion,
	}
}

type connectRequest struct {
	baseRequest
	DeviceID   int
	PortNumber int
}

type pairRecordRequest struct {
	baseRequest
	PairRecordID string
}

type resultResponse struct {
	MessageType string `plist:"MessageType,omitempty"`
	Number      int    `plist:"Number,omitempty"`
}

type listDevicesResponse struct {
	DeviceList []deviceEntry
}

type deviceEntry struct {
	MessageType string `plist:"MessageType,omitempty"`
	DeviceID    int
	Properties  DeviceProperties
}

type pairRecordResponse struct {
	PairRecordData []byte
}

// SocketPath returns the usbmuxd socket path, honoring the
// USBMUXD_SOCKET_ADDRESS environment variable.
func SocketPath() string {
	if addr := os.Getenv("USBMUXD_SOCKET_ADDRESS"); addr != "" {
		return addr
	}
	return DefaultSocketPath
}

// Conn is a single usbmuxd control connection.
type Conn struct {
	conn net.Conn
	tag  uint32
}

// Dial connects to the usbmuxd control socket.
func Dial() (*Conn, error) {
	conn, err := net.Dial("unix", SocketPath())
	if err != nil {
		return nil, fmt.Errorf("dialing usbmuxd: %w", err)
	}
	return newConn(conn), nil
}

func newConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// Close closes the control connection.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Conn) send(v interface{}) error {
	body, err := plist.Marshal(v, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	c.tag++
	msg := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(msg[0:], uint32(headerSize+len(body)))
	binary.LittleEndian.PutUint32(msg[4:], muxVersion)
	binary.LittleEndian.PutUint32(msg[8:], muxPlistType)
	binary.LittleEndian.PutUint32(msg[12:], c.tag)
	copy(msg[headerSize:], body)
	if _, err = c.conn.Write(msg); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (c *Conn) receive(v interface{}) error {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	size := binary.LittleEndian.Uint32(hdr[0:])
	if size < headerSize || size-headerSize > maxMessageSize {
		return fmt.Errorf("%w: length %d", ErrMalformedHeader, size)
	}
	body := make([]byte, size-headerSize)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}
	if _, err := plist.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}

func (c *Conn) exchange(req, resp interface{}) error {
	if err := c.send(req); err != nil {
		return err
	}
	return c.receive(resp)
}

// ListDevices returns the currently attached USB devices.
func (c *Conn) ListDevices() ([]Device, error) {
	resp := new(listDevicesResponse)
	if err := c.exchange(newBaseRequest("ListDevices"), resp); err != nil {
		return nil, err
	}
	var devices []Device
	for _, entry := range resp.DeviceList {
		if entry.Properties.ConnectionType != "" && entry.Properties.ConnectionType != "USB" {
			continue
		}
		devices = append(devices, Device{DeviceID: entry.DeviceID, Properties: entry.Properties})
	}
	return devices, nil
}

// ReadPairRecord returns the raw pair record property list for udid.
func (c *Conn) ReadPairRecord(udid string) ([]byte, error) {
	req := &pairRecordRequest{
		baseRequest:  newBaseRequest("ReadPairRecord"),
		PairRecordID: udid,
	}
	resp := new(pairRecordResponse)
	if err := c.exchange(req, resp); err != nil {
		return nil, err
	}
	if len(resp.PairRecordData) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPairRecord, udid)
	}
	return resp.PairRecordData, nil
}

// Connect asks usbmuxd to tunnel this connection to a TCP port on the
// device. On success the returned net.Conn is the raw tunnel; the Conn
// must not be used for further usbmuxd messages.
func (c *Conn) Connect(deviceID int, port uint16) (net.Conn, error) {
	req := &connectRequest{
		baseRequest: newBaseRequest("Connect"),
		DeviceID:    deviceID,
		// port travels in network byte order
		PortNumber: int(port<<8 | port>>8),
	}
	resp := new(resultResponse)
	if err := c.exchange(req, resp); err != nil {
		return nil, err
	}
	if resp.Number != 0 {
		return nil, fmt.Errorf("%w: result %d", ErrConnectRefused, resp.Number)
	}
	conn := c.conn
	c.conn = nil
	return conn, nil
}

// FindDevice returns the attached device with the given UDID, or the
// single attached device if udid is empty.
func FindDevice(udid string) (*Device, error) {
	mux, err := Dial()
	if err != nil {
		return nil, err
	}
	defer mux.Close()
	devices, err := mux.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	if udid == "" {
		if len(devices) < 1 {
			return nil, ErrNoDevice
		}
		return &devices[0], nil
	}
	for i := range devices {
		if devices[i].Properties.SerialNumber == udid {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDevice, udid)
}

// DialPort opens a TCP connection to a port on the device.
func DialPort(deviceID int, port uint16) (net.Conn, error) {
	mux, err := Dial()
	if err != nil {
		return nil, err
	}
	conn, err := mux.Connect(deviceID, port)
	if err != nil {
		mux.Close()
		return nil, err
	}
	return conn, nil
}

// ReadPairRecord returns the parsed-ready raw pair record for udid
// using a dedicated usbmuxd connection.
func ReadPairRecord(udid string) ([]byte, error) {
	mux, err := Dial()
	if err != nil {
		return nil, err
	}
	defer mux.Close()
	return mux.ReadPairRecord(udid)
}
