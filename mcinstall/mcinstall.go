// Package mcinstall is a client for the com.apple.mobile.MCInstall device
// service. It installs, enumerates, and removes configuration profiles on
// a connected device over a lockdown-started property list channel.
package mcinstall

import (
	"errors"
	"fmt"

	"github.com/micromdm/nanomc/lockdown"
	"github.com/micromdm/nanomc/propertylist"

	"howett.net/plist"
)

// ServiceName is the lockdown service name of the profile service.
const ServiceName = "com.apple.mobile.MCInstall"

// Channel sends one property list request and receives one response.
// Receive errors that wrap propertylist.ErrDecode are treated as
// malformed responses (protocol errors); any other Send or Receive
// error is treated as a transport failure.
type Channel interface {
	Send(v interface{}) error
	Receive(v interface{}) error
	Close() error
}

// Client is an MCInstall service client. It owns its channel and caches
// the numeric status code of the most recent operation. A client
// performs one blocking operation at a time and is not safe for
// concurrent use; callers needing parallelism use separate clients.
type Client struct {
	ch     Channel
	status int
}

// New wraps an opened service channel into a client.
func New(ch Channel) (*Client, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", ErrInvalidArgument)
	}
	return &Client{ch: ch, status: StatusUnknown}, nil
}

// Dial starts the MCInstall service on the device with the given UDID
// (or the single attached device if udid is empty) and connects to it.
// The label identifies the caller to lockdown; empty disables identity
// advertisement.
func Dial(udid, label string, opts ...lockdown.Option) (*Client, error) {
	opts = append(opts, lockdown.WithLabel(label))
	conn, err := lockdown.ConnectService(udid, ServiceName, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", ErrConnectionFailed, ServiceName, err)
	}
	return New(conn)
}

// Close releases the client channel. Closing a nil or already-closed
// client returns ErrInvalidArgument; the channel is only ever closed once.
func (c *Client) Close() error {
	if c == nil || c.ch == nil {
		return fmt.Errorf("%w: client not connected", ErrInvalidArgument)
	}
	err := c.ch.Close()
	c.ch = nil
	return err
}

// StatusCode returns the numeric status code cached from the most
// recent operation, or -1 for a nil client. It is the only way to
// retrieve the device-reported status after a failed operation and is
// not reset by calls to StatusCode itself.
func (c *Client) StatusCode() int {
	if c == nil {
		return -1
	}
	return c.status
}

type installRequest struct {
	RequestType string
	Payload     []byte
}

type profileListRequest struct {
	RequestType string
}

type removeRequest struct {
	RequestType       string
	ProfileIdentifier []byte
}

// removalDescriptor addresses an installed profile for removal. It is
// serialized to a binary property list and embedded as opaque data in
// the outer RemoveProfile request; the device requires this exact
// double encoding.
type removalDescriptor struct {
	PayloadType       string
	PayloadIdentifier string
	PayloadUUID       string
	PayloadVersion    uint64
}

// ProfileMetadata is the per-profile metadata reported by the device.
// Fields absent from the device response are left at their zero value.
type ProfileMetadata struct {
	PayloadDescription  string
	PayloadDisplayName  string
	PayloadOrganization string
	PayloadUUID         string
	PayloadVersion      uint64
}

// ProfileList is the installed-profile listing reported by the device.
// OrderedIdentifiers reflects installation order and its order is
// preserved; an empty listing is a valid (successful) result.
type ProfileList struct {
	OrderedIdentifiers []string
	ProfileMetadata    map[string]ProfileMetadata
}

// Metadata returns the metadata for identifier. Absent identifiers
// yield zero-value metadata rather than an error so that callers can
// render unknown placeholders without aborting a listing traversal.
func (l *ProfileList) Metadata(identifier string) ProfileMetadata {
	if l == nil {
		return ProfileMetadata{}
	}
	return l.ProfileMetadata[identifier]
}

type profileListResponse struct {
	response
	OrderedIdentifiers []string               `plist:"OrderedIdentifiers,omitempty"`
	ProfileMetadata    map[string]interface{} `plist:"ProfileMetadata,omitempty"`
}

// profileList converts the raw metadata dicts into typed metadata.
// Extraction is lenient: an absent or mistyped metadata field yields
// its zero value rather than aborting the listing.
func (r *profileListResponse) profileList() *ProfileList {
	list := &ProfileList{
		OrderedIdentifiers: r.OrderedIdentifiers,
		ProfileMetadata:    make(map[string]ProfileMetadata, len(r.ProfileMetadata)),
	}
	for identifier, v := range r.ProfileMetadata {
		fields, _ := v.(map[string]interface{})
		list.ProfileMetadata[identifier] = metadataFromDict(fields)
	}
	return list
}

func metadataFromDict(fields map[string]interface{}) ProfileMetadata {
	md := ProfileMetadata{
		PayloadDescription:  stringField(fields, "PayloadDescription"),
		PayloadDisplayName:  stringField(fields, "PayloadDisplayName"),
		PayloadOrganization: stringField(fields, "PayloadOrganization"),
		PayloadUUID:         stringField(fields, "PayloadUUID"),
	}
	switch v := fields["PayloadVersion"].(type) {
	case uint64:
		md.PayloadVersion = v
	case int64:
		if v > 0 {
			md.PayloadVersion = uint64(v)
		}
	}
	return md
}

func stringField(fields map[string]interface{}, key string) string {
	s, _ := fields[key].(string)
	return s
}

// roundTrip resets the cached status and performs one send/receive on
// the client channel. A transport failure leaves the status at the
// unknown sentinel (no response ever existed); an undecodable response
// is classified as a protocol error.
func (c *Client) roundTrip(req, resp interface{}) error {
	c.status = StatusUnknown
	if err := c.ch.Send(req); err != nil {
		return fmt.Errorf("%w: sending request: %v", ErrConnectionFailed, err)
	}
	err := c.ch.Receive(resp)
	if errors.Is(err, propertylist.ErrDecode) {
		c.status = StatusProtocolError
		return fmt.Errorf("%w: malformed response: %v", ErrProtocolError, err)
	} else if err != nil {
		return fmt.Errorf("%w: receiving response: %v", ErrConnectionFailed, err)
	}
	return nil
}

// finish classifies a received response and caches its status code.
func (c *Client) finish(r *response) error {
	if serr := r.classify(); serr != nil {
		c.status = serr.Code()
		return serr
	}
	c.status = StatusSuccess
	return nil
}

func (c *Client) connected() error {
	if c == nil || c.ch == nil {
		return fmt.Errorf("%w: client not connected", ErrInvalidArgument)
	}
	return nil
}

// Install installs the raw configuration profile on the device. The
// profile bytes are passed through opaquely; the device should be
// unlocked and the profile valid.
func (c *Client) Install(profile []byte) error {
	if err := c.connected(); err != nil {
		return err
	}
	if len(profile) == 0 {
		return fmt.Errorf("%w: empty profile", ErrInvalidArgument)
	}
	req := &installRequest{
		RequestType: "InstallProfile",
		Payload:     profile,
	}
	resp := new(response)
	if err := c.roundTrip(req, resp); err != nil {
		return err
	}
	return c.finish(resp)
}

// ProfileList retrieves the installed configuration profile listing.
// A device with zero profiles installed yields an empty listing, not
// an error.
func (c *Client) ProfileList() (*ProfileList, error) {
	if err := c.connected(); err != nil {
		return nil, err
	}
	req := &profileListRequest{RequestType: "GetProfileList"}
	resp := new(profileListResponse)
	if err := c.roundTrip(req, resp); err != nil {
		return nil, err
	}
	if err := c.finish(&resp.response); err != nil {
		return nil, err
	}
	return resp.profileList(), nil
}

// Remove removes the installed profile addressed by identifier, uuid,
// and version, as obtained from a current ProfileList. All three are
// required and version must be nonzero: the device-era protocol treats
// version 0 as invalid, and that restriction is kept here absent device
// confirmation that 0 is ever a legitimate version.
func (c *Client) Remove(identifier, uuid string, version uint64) error {
	if err := c.connected(); err != nil {
		return err
	}
	if identifier == "" || uuid == "" || version == 0 {
		return fmt.Errorf("%w: identifier, uuid, and nonzero version required", ErrInvalidArgument)
	}
	descriptor := &removalDescriptor{
		PayloadType:       "Configuration",
		PayloadIdentifier: identifier,
		PayloadUUID:       uuid,
		PayloadVersion:    version,
	}
	bin, err := plist.Marshal(descriptor, plist.BinaryFormat)
	if err != nil {
		return fmt.Errorf("%w: encoding descriptor: %v", ErrUnknown, err)
	}
	req := &removeRequest{
		RequestType:       "RemoveProfile",
		ProfileIdentifier: bin,
	}
	resp := new(response)
	if err = c.roundTrip(req, resp); err != nil {
		return err
	}
	return c.finish(resp)
}

// RemoveAll retrieves the profile listing and removes every listed
// profile in order. Removal continues past individual failures; the
// identifiers successfully removed are returned along with the joined
// per-profile errors, if any.
func (c *Client) RemoveAll() ([]string, error) {
	list, err := c.ProfileList()
	if err != nil {
		return nil, err
	}
	var removed []string
	var errs []error
	for _, identifier := range list.OrderedIdentifiers {
		md := list.Metadata(identifier)
		if err := c.Remove(identifier, md.PayloadUUID, md.PayloadVersion); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", identifier, err))
			continue
		}
		removed = append(removed, identifier)
	}
	return removed, errors.Join(errs...)
}
