package mcinstall

import (
	"errors"
	"fmt"
	"strings"
)

// Numeric status codes cached on the client after each operation.
// The values are the device-era mcinstall error codes and are what
// StatusCode reports.
const (
	StatusSuccess          = 0
	StatusInvalidArgument  = -1
	StatusProtocolError    = -2
	StatusConnectionFailed = -3
	StatusRequestFailed    = -4
	StatusUnknown          = -256
)

var (
	// ErrInvalidArgument indicates a violated precondition; no I/O was attempted.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConnectionFailed indicates a channel construction or transport send/receive failure.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrProtocolError indicates a malformed response or an explicit
	// device-reported error (Status "Error" with an ErrorChain).
	ErrProtocolError = errors.New("protocol error")

	// ErrRequestFailed indicates a well-formed response whose status was
	// neither acknowledged nor a recognized error shape.
	ErrRequestFailed = errors.New("request failed")

	// ErrUnknown is the fallback for unclassified failures.
	ErrUnknown = errors.New("unknown error")
)

// statusCode maps a taxonomy sentinel to its numeric status code.
func statusCode(err error) int {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrInvalidArgument):
		return StatusInvalidArgument
	case errors.Is(err, ErrProtocolError):
		return StatusProtocolError
	case errors.Is(err, ErrConnectionFailed):
		return StatusConnectionFailed
	case errors.Is(err, ErrRequestFailed):
		return StatusRequestFailed
	}
	return StatusUnknown
}

// StatusError is a classified failure response from the device.
type StatusError struct {
	// Status is the raw status string from the response, if any.
	Status string

	// Descriptions are the LocalizedDescription strings collected from
	// the response ErrorChain, in chain order. They are for diagnostic
	// display only and carry no semantics.
	Descriptions []string

	err error
}

func (e *StatusError) Error() string {
	msg := e.err.Error()
	if e.Status != "" && e.Status != "Error" {
		msg += fmt.Sprintf(": status %q", e.Status)
	}
	if len(e.Descriptions) > 0 {
		msg += ": " + strings.Join(e.Descriptions, "; ")
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return e.err
}

// Code returns the numeric status code for the classified failure.
func (e *StatusError) Code() int {
	return statusCode(e.err)
}

// errorChainEntry is one entry of a response ErrorChain.
type errorChainEntry struct {
	ErrorCode            int    `plist:"ErrorCode,omitempty"`
	ErrorDomain          string `plist:"ErrorDomain,omitempty"`
	LocalizedDescription string `plist:"LocalizedDescription,omitempty"`
	USEnglishDescription string `plist:"USEnglishDescription,omitempty"`
}

// response carries the status fields common to all MCInstall responses.
// Status is a pointer so that an absent key is distinguishable from a
// present but empty status string. A non-string Status fails the plist
// decode and is classified as a protocol error by the transport path.
type response struct {
	Status     *string           `plist:"Status,omitempty"`
	ErrorChain []errorChainEntry `plist:"ErrorChain,omitempty"`
}

// classify interprets the response status. It returns nil for an
// acknowledged request and a *StatusError otherwise:
//
//   - an absent Status key is a protocol error (malformed response)
//   - status "Error" is a protocol error; any LocalizedDescription
//     strings in the ErrorChain are collected in order
//   - any other status string, the empty string included, is a
//     request failure
func (r *response) classify() *StatusError {
	if r.Status == nil {
		return &StatusError{err: ErrProtocolError}
	}
	switch status := *r.Status; status {
	case "Acknowledged":
		return nil
	case "Error":
		serr := &StatusError{Status: status, err: ErrProtocolError}
		for _, entry := range r.ErrorChain {
			if entry.LocalizedDescription != "" {
				serr.Descriptions = append(serr.Descriptions, entry.LocalizedDescription)
			}
		}
		return serr
	default:
		return &StatusError{Status: status, err: ErrRequestFailed}
	}
}
