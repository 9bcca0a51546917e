// Package mobileconfig parses Apple Configuration profiles for basic information.
package mobileconfig

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/groob/plist"
	"github.com/smallstep/pkcs7"
)

// Payload is some of the "top-level" configuration profile information.
// See https://developer.apple.com/documentation/devicemanagement/toplevel
type Payload struct {
	PayloadDescription  string `plist:",omitempty"`
	PayloadDisplayName  string `plist:",omitempty"`
	PayloadIdentifier   string
	PayloadOrganization string `plist:",omitempty"`
	PayloadUUID         string
	PayloadType         string
	PayloadVersion      uint64
}

var ErrInvalidPayload = errors.New("invalid payload")

// Validate tests a Payload against basic validity of required fields.
// The triple of PayloadIdentifier, PayloadUUID, and PayloadVersion is
// what addresses an installed profile for removal, so all three are
// required, the UUID must parse, and the version must be nonzero.
func (p *Payload) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if p.PayloadIdentifier == "" {
		return fmt.Errorf("%w: PayloadIdentifier is empty", ErrInvalidPayload)
	}
	if _, err := uuid.Parse(p.PayloadUUID); err != nil {
		return fmt.Errorf("%w: PayloadUUID: %v", ErrInvalidPayload, err)
	}
	if p.PayloadType != "Configuration" {
		return fmt.Errorf("%w: PayloadType is not Configuration", ErrInvalidPayload)
	}
	if p.PayloadVersion == 0 {
		return fmt.Errorf("%w: PayloadVersion is 0", ErrInvalidPayload)
	}
	return nil
}

type Mobileconfig []byte

// Parse parses an Apple Configuration Profile to extract profile information.
// Profile signed status is also returned.
func (mc Mobileconfig) Parse() (*Payload, bool, error) {
	signed := false
	if !bytes.HasPrefix(mc, []byte("<?xml")) && !bytes.HasPrefix(mc, []byte("bplist0")) {
		// we're not an XML plist nor a binary plist, so let's try PKCS7 (signed)
		p7, err := pkcs7.Parse(mc)
		if err != nil {
			return nil, signed, fmt.Errorf("parsing pkcs7: %w", err)
		}
		signed = true
		err = p7.Verify()
		if err != nil {
			return nil, signed, fmt.Errorf("verifying pkcs7: %w", err)
		}
		mc = Mobileconfig(p7.Content)
	}
	profile := new(Payload)
	err := plist.Unmarshal(mc, profile)
	if err != nil {
		return profile, signed, fmt.Errorf("unmarshal plist: %w", err)
	}
	return profile, signed, profile.Validate()
}
