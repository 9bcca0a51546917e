package usbmux

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"

	"howett.net/plist"
)

// fakeMux speaks the usbmuxd side of a control connection.
type fakeMux struct {
	t    *testing.T
	conn net.Conn
	reqs chan map[string]interface{}
}

func newFakeMux(t *testing.T, responses ...interface{}) (*Conn, *fakeMux) {
	t.Helper()
	clientConn, muxConn := net.Pipe()
	m := &fakeMux{
		t:    t,
		conn: muxConn,
		reqs: make(chan map[string]interface{}, len(responses)+1),
	}
	go m.serve(responses)
	t.Cleanup(func() { muxConn.Close() })
	return newConn(clientConn), m
}

func (m *fakeMux) serve(responses []interface{}) {
	for _, resp := range responses {
		req, err := m.read()
		if err != nil {
			return
		}
		m.reqs <- req
		if err = m.write(resp); err != nil {
			return
		}
	}
}

func (m *fakeMux) read() (map[string]interface{}, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(m.conn, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[0:])
	body := make([]byte, size-headerSize)
	if _, err := io.ReadFull(m.conn, body); err != nil {
		return nil, err
	}
	var req map[string]interface{}
	if _, err := plist.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return req, nil
}

func (m *fakeMux) write(v interface{}) error {
	body, err := plist.Marshal(v, plist.XMLFormat)
	if err != nil {
		return err
	}
	msg := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(msg[0:], uint32(headerSize+len(body)))
	binary.LittleEndian.PutUint32(msg[4:], muxVersion)
	binary.LittleEndian.PutUint32(msg[8:], muxPlistType)
	copy(msg[headerSize:], body)
	_, err = m.conn.Write(msg)
	return err
}

func (m *fakeMux) request() map[string]interface{} {
	m.t.Helper()
	select {
	case req := <-m.reqs:
		return req
	default:
		m.t.Fatal("no request captured")
		return nil
	}
}

func asUint(v interface{}) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case int:
		return uint64(n)
	}
	return 0
}

func TestListDevices(t *testing.T) {
	conn, mux := newFakeMux(t, map[string]interface{}{
		"DeviceList": []interface{}{
			map[string]interface{}{
				"MessageType": "Attached",
				"DeviceID":    3,
				"Properties": map[string]interface{}{
					"ConnectionType": "USB",
					"SerialNumber":   "00008030-001234567890ABCD",
				},
			},
			map[string]interface{}{
				"MessageType": "Attached",
				"DeviceID":    5,
				"Properties": map[string]interface{}{
					"ConnectionType": "Network",
					"SerialNumber":   "00008030-00AABBCCDDEEFF00",
				},
			},
		},
	})
	defer conn.Close()

	devices, err := conn.ListDevices()
	if err != nil {
		t.Fatal(err)
	}

	req := mux.request()
	if have, want := req["MessageType"], "ListDevices"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// network devices are filtered out
	if have, want := len(devices), 1; have != want {
		t.Fatalf("have: %v devices, want: %v", have, want)
	}
	if have, want := devices[0].DeviceID, 3; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := devices[0].UDID(), "00008030-001234567890ABCD"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestConnect(t *testing.T) {
	conn, mux := newFakeMux(t, map[string]interface{}{
		"MessageType": "Result",
		"Number":      0,
	})

	tunnel, err := conn.Connect(3, 62078)
	if err != nil {
		t.Fatal(err)
	}
	defer tunnel.Close()

	req := mux.request()
	if have, want := req["MessageType"], "Connect"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := asUint(req["DeviceID"]), uint64(3); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	// 62078 (0xF27E) in network byte order is 0x7EF2
	if have, want := asUint(req["PortNumber"]), uint64(0x7EF2); have != want {
		t.Errorf("have: %#x, want: %#x", have, want)
	}
}

func TestConnectRefused(t *testing.T) {
	conn, _ := newFakeMux(t, map[string]interface{}{
		"MessageType": "Result",
		"Number":      3,
	})
	defer conn.Close()

	_, err := conn.Connect(3, 62078)
	if !errors.Is(err, ErrConnectRefused) {
		t.Fatalf("want ErrConnectRefused, have %v", err)
	}
}

func TestMalformedHeaderLength(t *testing.T) {
	clientConn, muxConn := net.Pipe()
	t.Cleanup(func() { muxConn.Close() })
	conn := newConn(clientConn)
	defer conn.Close()

	go func() {
		var hdr [headerSize]byte
		if _, err := io.ReadFull(muxConn, hdr[:]); err != nil {
			return
		}
		body := make([]byte, binary.LittleEndian.Uint32(hdr[:])-headerSize)
		if _, err := io.ReadFull(muxConn, body); err != nil {
			return
		}
		// reply with a length far past the payload cap
		var resp [headerSize]byte
		binary.LittleEndian.PutUint32(resp[0:], maxMessageSize+headerSize+1)
		binary.LittleEndian.PutUint32(resp[4:], muxVersion)
		binary.LittleEndian.PutUint32(resp[8:], muxPlistType)
		muxConn.Write(resp[:])
	}()

	_, err := conn.ListDevices()
	if !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("want ErrMalformedHeader, have %v", err)
	}
}

func TestReadPairRecordMissing(t *testing.T) {
	conn, _ := newFakeMux(t, map[string]interface{}{
		"MessageType": "Result",
		"Number":      2,
	})
	defer conn.Close()

	_, err := conn.ReadPairRecord("00008030-001234567890ABCD")
	if !errors.Is(err, ErrNoPairRecord) {
		t.Fatalf("want ErrNoPairRecord, have %v", err)
	}
}
