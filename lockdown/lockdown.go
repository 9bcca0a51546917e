// Package lockdown implements a client for the device lockdown daemon:
// session establishment (including the SSL upgrade negotiated from the
// host pair record) and starting named device services.
package lockdown

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/micromdm/nanomc/logkeys"
	"github.com/micromdm/nanomc/propertylist"
	"github.com/micromdm/nanomc/usbmux"

	"github.com/micromdm/nanolib/log"
	"howett.net/plist"
)

// Port is the lockdown daemon port on the device.
const Port = 62078

const (
	lockdownType    = "com.apple.mobile.lockdown"
	protocolVersion = "2"
)

var (
	ErrNotLockdown  = errors.New("not a lockdown service")
	ErrPairRecord   = errors.New("invalid pair record")
	ErrRequest      = errors.New("lockdown request failed")
	ErrSessionSSL   = errors.New("session ssl upgrade failed")
	ErrInvalidInput = errors.New("invalid input")
)

// PairRecord is the host pairing material stored by usbmuxd.
type PairRecord struct {
	HostID            string
	SystemBUID        string
	HostCertificate   []byte
	HostPrivateKey    []byte
	RootCertificate   []byte `plist:"RootCertificate,omitempty"`
	RootPrivateKey    []byte `plist:"RootPrivateKey,omitempty"`
	DeviceCertificate []byte `plist:"DeviceCertificate,omitempty"`
	EscrowBag         []byte `plist:"EscrowBag,omitempty"`
	WiFiMACAddress    string `plist:"WiFiMACAddress,omitempty"`
}

// ParsePairRecord decodes a raw pair record property list.
func ParsePairRecord(raw []byte) (*PairRecord, error) {
	record := new(PairRecord)
	if _, err := plist.Unmarshal(raw, record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPairRecord, err)
	}
	if record.HostID == "" {
		return nil, fmt.Errorf("%w: missing HostID", ErrPairRecord)
	}
	return record, nil
}

// TLSConfig returns a client TLS configuration using the host identity
// from the pair record. Devices present certificates that do not chain
// to a public root so verification is disabled.
func (r *PairRecord) TLSConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair(r.HostCertificate, r.HostPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: host identity: %v", ErrPairRecord, err)
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS11,
	}, nil
}

// ServiceDescriptor describes a device service started over lockdown.
type ServiceDescriptor struct {
	Name             string
	Port             uint16
	EnableServiceSSL bool
}

type baseRequest struct {
	Label           string `plist:"Label,omitempty"`
	ProtocolVersion string
	Request         string
}

type queryTypeResponse struct {
	Request string `plist:"Request,omitempty"`
	Type    string `plist:"Type,omitempty"`
}

type startSessionRequest struct {
	baseRequest
	HostID     string
	SystemBUID string
}

type startSessionResponse struct {
	Request          string `plist:"Request,omitempty"`
	Error            string `plist:"Error,omitempty"`
	EnableSessionSSL bool   `plist:"EnableSessionSSL,omitempty"`
	SessionID        string `plist:"SessionID,omitempty"`
}

type startServiceRequest struct {
	baseRequest
	Service string
}

type startServiceResponse struct {
	Request          string `plist:"Request,omitempty"`
	Error            string `plist:"Error,omitempty"`
	Service          string `plist:"Service,omitempty"`
	Port             int    `plist:"Port,omitempty"`
	EnableServiceSSL bool   `plist:"EnableServiceSSL,omitempty"`
}

type stopSessionRequest struct {
	baseRequest
	SessionID string
}

type config struct {
	label  string
	logger log.Logger
}

type Option func(*config)

// WithLabel sets the caller identity advertised to lockdown.
// An empty label disables identity advertisement.
func WithLabel(label string) Option {
	return func(c *config) {
		c.label = label
	}
}

// WithLogger sets a logger for debug logging.
func WithLogger(logger log.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Client is a lockdown session on a single device.
type Client struct {
	conn       *propertylist.Conn
	device     usbmux.Device
	label      string
	logger     log.Logger
	pairRecord *PairRecord
	sessionID  string
}

// Dial connects to lockdown on the device and establishes a session,
// upgrading to SSL when the device requests it.
func Dial(device *usbmux.Device, opts ...Option) (*Client, error) {
	if device == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidInput)
	}
	cfg := &config{logger: log.NopLogger}
	for _, opt := range opts {
		opt(cfg)
	}

	raw, err := usbmux.ReadPairRecord(device.UDID())
	if err != nil {
		return nil, fmt.Errorf("reading pair record: %w", err)
	}
	record, err := ParsePairRecord(raw)
	if err != nil {
		return nil, err
	}

	conn, err := usbmux.DialPort(device.DeviceID, Port)
	if err != nil {
		return nil, fmt.Errorf("connecting to lockdown: %w", err)
	}

	client := &Client{
		conn:       propertylist.NewConn(conn, propertylist.WithLogger(cfg.logger)),
		device:     *device,
		label:      cfg.label,
		logger:     cfg.logger,
		pairRecord: record,
	}
	if err = client.handshake(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (c *Client) newBaseRequest(request string) baseRequest {
	return baseRequest{
		Label:           c.label,
		ProtocolVersion: protocolVersion,
		Request:         request,
	}
}

func (c *Client) handshake() error {
	if err := c.queryType(); err != nil {
		return err
	}
	return c.startSession()
}

func (c *Client) queryType() error {
	resp := new(queryTypeResponse)
	if err := c.roundTrip(c.newBaseRequest("QueryType"), resp); err != nil {
		return err
	}
	if resp.Type != lockdownType {
		return fmt.Errorf("%w: type %q", ErrNotLockdown, resp.Type)
	}
	return nil
}

func (c *Client) startSession() error {
	req := &startSessionRequest{
		baseRequest: c.newBaseRequest("StartSession"),
		HostID:      c.pairRecord.HostID,
		SystemBUID:  c.pairRecord.SystemBUID,
	}
	resp := new(startSessionResponse)
	if err := c.roundTrip(req, resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: StartSession: %s", ErrRequest, resp.Error)
	}
	c.sessionID = resp.SessionID
	if resp.EnableSessionSSL {
		tlsConfig, err := c.pairRecord.TLSConfig()
		if err != nil {
			return err
		}
		if err = c.conn.EnableTLS(tlsConfig); err != nil {
			return fmt.Errorf("%w: %v", ErrSessionSSL, err)
		}
		c.logger.Debug(logkeys.Message, "session ssl enabled", logkeys.UDID, c.device.UDID())
	}
	return nil
}

func (c *Client) roundTrip(req, resp interface{}) error {
	if err := c.conn.Send(req); err != nil {
		return err
	}
	return c.conn.Receive(resp)
}

// StartService asks lockdown to start the named service on the device.
func (c *Client) StartService(name string) (*ServiceDescriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty service name", ErrInvalidInput)
	}
	req := &startServiceRequest{
		baseRequest: c.newBaseRequest("StartService"),
		Service:     name,
	}
	resp := new(startServiceResponse)
	if err := c.roundTrip(req, resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: StartService %s: %s", ErrRequest, name, resp.Error)
	}
	if resp.Port < 1 || resp.Port > 65535 {
		return nil, fmt.Errorf("%w: StartService %s: port %d", ErrRequest, name, resp.Port)
	}
	c.logger.Debug(
		logkeys.Message, "service started",
		logkeys.Service, name,
		logkeys.Port, resp.Port,
	)
	return &ServiceDescriptor{
		Name:             name,
		Port:             uint16(resp.Port),
		EnableServiceSSL: resp.EnableServiceSSL,
	}, nil
}

// PairRecord returns the pair record in use by the session.
func (c *Client) PairRecord() *PairRecord {
	return c.pairRecord
}

// Close stops the session, if any, and closes the lockdown connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if c.sessionID != "" {
		req := &stopSessionRequest{
			baseRequest: c.newBaseRequest("StopSession"),
			SessionID:   c.sessionID,
		}
		// best effort; the response is discarded
		if err := c.conn.Send(req); err == nil {
			c.conn.Receive(new(struct{}))
		}
		c.sessionID = ""
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ConnectService starts the named service on the device with the given
// UDID (or the single attached device if udid is empty) and returns an
// opened property list channel to it.
func ConnectService(udid, name string, opts ...Option) (*propertylist.Conn, error) {
	cfg := &config{logger: log.NopLogger}
	for _, opt := range opts {
		opt(cfg)
	}

	device, err := usbmux.FindDevice(udid)
	if err != nil {
		return nil, err
	}

	client, err := Dial(device, opts...)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sd, err := client.StartService(name)
	if err != nil {
		return nil, err
	}

	conn, err := usbmux.DialPort(device.DeviceID, sd.Port)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", name, err)
	}
	svcConn := propertylist.NewConn(conn, propertylist.WithLogger(cfg.logger))
	if sd.EnableServiceSSL {
		tlsConfig, err := client.PairRecord().TLSConfig()
		if err != nil {
			svcConn.Close()
			return nil, err
		}
		if err = svcConn.EnableTLS(tlsConfig); err != nil {
			svcConn.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrSessionSSL, name, err)
		}
	}
	return svcConn, nil
}
