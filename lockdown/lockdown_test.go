package lockdown

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/micromdm/nanomc/propertylist"

	"github.com/micromdm/nanolib/log"
	"howett.net/plist"
)

// fakeLockdown speaks the device side of a lockdown channel.
type fakeLockdown struct {
	t    *testing.T
	conn net.Conn
	reqs chan map[string]interface{}
}

func newFakeLockdown(t *testing.T, responses ...interface{}) (*Client, *fakeLockdown) {
	t.Helper()
	clientConn, deviceConn := net.Pipe()
	f := &fakeLockdown{
		t:    t,
		conn: deviceConn,
		reqs: make(chan map[string]interface{}, len(responses)+1),
	}
	go f.serve(responses)
	t.Cleanup(func() { deviceConn.Close() })
	client := &Client{
		conn:   propertylist.NewConn(clientConn),
		label:  "test",
		logger: log.NopLogger,
	}
	return client, f
}

func (f *fakeLockdown) serve(responses []interface{}) {
	for _, resp := range responses {
		req, err := f.read()
		if err != nil {
			return
		}
		f.reqs <- req
		if err = f.write(resp); err != nil {
			return
		}
	}
}

func (f *fakeLockdown) read() (map[string]interface{}, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(f.conn, hdr[:]); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(f.conn, body); err != nil {
		return nil, err
	}
	var req map[string]interface{}
	if _, err := plist.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return req, nil
}

func (f *fakeLockdown) write(v interface{}) error {
	body, err := plist.Marshal(v, plist.XMLFormat)
	if err != nil {
		return err
	}
	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg, uint32(len(body)))
	copy(msg[4:], body)
	_, err = f.conn.Write(msg)
	return err
}

func (f *fakeLockdown) request() map[string]interface{} {
	f.t.Helper()
	select {
	case req := <-f.reqs:
		return req
	default:
		f.t.Fatal("no request captured")
		return nil
	}
}

func TestStartService(t *testing.T) {
	client, dev := newFakeLockdown(t, map[string]interface{}{
		"Request":          "StartService",
		"Service":          "com.apple.mobile.MCInstall",
		"Port":             50001,
		"EnableServiceSSL": true,
	})

	sd, err := client.StartService("com.apple.mobile.MCInstall")
	if err != nil {
		t.Fatal(err)
	}

	req := dev.request()
	if have, want := req["Request"], "StartService"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := req["Service"], "com.apple.mobile.MCInstall"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := req["Label"], "test"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := sd.Port, uint16(50001); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !sd.EnableServiceSSL {
		t.Error("expected EnableServiceSSL")
	}
}

func TestStartServiceError(t *testing.T) {
	client, _ := newFakeLockdown(t, map[string]interface{}{
		"Request": "StartService",
		"Error":   "InvalidService",
	})

	_, err := client.StartService("com.example.bogus")
	if !errors.Is(err, ErrRequest) {
		t.Fatalf("want ErrRequest, have %v", err)
	}
}

func TestStartServiceEmptyName(t *testing.T) {
	client, _ := newFakeLockdown(t)
	if _, err := client.StartService(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, have %v", err)
	}
}

func TestQueryTypeMismatch(t *testing.T) {
	client, _ := newFakeLockdown(t, map[string]interface{}{
		"Request": "QueryType",
		"Type":    "com.example.not.lockdown",
	})

	if err := client.queryType(); !errors.Is(err, ErrNotLockdown) {
		t.Fatalf("want ErrNotLockdown, have %v", err)
	}
}

func TestParsePairRecord(t *testing.T) {
	raw := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>HostID</key>
	<string>A1B2C3D4-E5F6-4788-99AA-BBCCDDEEFF00</string>
	<key>SystemBUID</key>
	<string>0A1B2C3D-4E5F-6071-8293-A4B5C6D7E8F9</string>
	<key>HostCertificate</key>
	<data>aG9zdC1jZXJ0</data>
	<key>HostPrivateKey</key>
	<data>aG9zdC1rZXk=</data>
</dict>
</plist>`)

	record, err := ParsePairRecord(raw)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := record.HostID, "A1B2C3D4-E5F6-4788-99AA-BBCCDDEEFF00"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := string(record.HostCertificate), "host-cert"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if _, err = ParsePairRecord([]byte(`<?xml version="1.0"?><plist version="1.0"><dict/></plist>`)); !errors.Is(err, ErrPairRecord) {
		t.Fatalf("want ErrPairRecord, have %v", err)
	}
}
