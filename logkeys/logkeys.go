// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	// a device UDID (usbmuxd serial number)
	UDID = "udid"

	// a lockdown service name, e.g. com.apple.mobile.MCInstall
	Service = "service"

	// a device TCP port
	Port = "port"

	// a profile PayloadIdentifier
	ProfileIdentifier = "profile_identifier"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
