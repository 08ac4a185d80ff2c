package wifidirect

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/coldsend/internal/transport"
)

// freeUDPPort returns a port that was free a moment ago.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := pc.LocalAddr().(*net.UDPAddr).Port
	pc.Close()
	return port
}

func testOptions(id string, discoveryPort int) Options {
	return Options{
		DiscoveryPort:  discoveryPort,
		TransferPort:   discoveryPort + 50,
		BroadcastAddr:  "127.0.0.1",
		MaxPortRetries: 10,
		PingTimeout:    500 * time.Millisecond,
		DeviceID:       id,
		DeviceName:     "ColdSend-" + id,
	}
}

// startResponder answers every discovery probe with the given replies.
func startResponder(t *testing.T, port int, replies ...[]byte) {
	t.Helper()
	pc, err := net.ListenPacket("udp4", ":"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("responder listen: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			msg, err := decode(buf[:n])
			if err != nil || msg.Type != TypeDiscovery {
				continue
			}
			for _, r := range replies {
				_, _ = pc.WriteTo(r, addr)
			}
		}
	}()
}

func TestScanFindsSimulatedResponder(t *testing.T) {
	port := freeUDPPort(t)
	startResponder(t, port,
		[]byte(`{"type":"device","deviceId":"peer-1","deviceName":"Peer One","port":9999,"timestamp":1}`))

	a := New(testOptions("host-a", port))
	devices, err := a.ScanDevices(context.Background(), 300*time.Millisecond)
	if err != nil {
		t.Fatalf("ScanDevices() error = %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1: %+v", len(devices), devices)
	}
	d := devices[0]
	if d.ID != "peer-1" {
		t.Errorf("ID = %q, want peer-1", d.ID)
	}
	if d.SignalStrength != transport.SignalStrong {
		t.Errorf("SignalStrength = %q, want strong", d.SignalStrength)
	}
	if d.RSSI != -30 {
		t.Errorf("RSSI = %d, want -30", d.RSSI)
	}
	if d.Address != "127.0.0.1" || d.Port != 9999 {
		t.Errorf("address = %s:%d, want 127.0.0.1:9999", d.Address, d.Port)
	}
	if d.Name != "Peer One" {
		t.Errorf("Name = %q, want Peer One", d.Name)
	}
	if d.Status != transport.StatusDiscovered {
		t.Errorf("Status = %q, want discovered", d.Status)
	}
}

func TestScanIgnoresSelfAndInvalidDatagrams(t *testing.T) {
	port := freeUDPPort(t)
	startResponder(t, port,
		[]byte(`not json`),
		[]byte(`{"type":"discovery","timestamp":1}`),
		[]byte(`{"type":"device","deviceId":"host-a","port":1}`),
		[]byte(`{"type":"device","deviceId":"peer-2"}`),
		[]byte(`{"type":"device","deviceId":"peer-2","deviceName":"again"}`),
	)

	a := New(testOptions("host-a", port))
	devices, err := a.ScanDevices(context.Background(), 300*time.Millisecond)
	if err != nil {
		t.Fatalf("ScanDevices() error = %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "peer-2" {
		t.Fatalf("devices = %+v, want only peer-2", devices)
	}
	if devices[0].Port != a.opts.TransferPort {
		t.Errorf("Port = %d, want default transfer port %d", devices[0].Port, a.opts.TransferPort)
	}
	if devices[0].Name != "again" {
		t.Errorf("Name = %q, want upserted name", devices[0].Name)
	}
}

func TestScanTimeoutIsNotAnError(t *testing.T) {
	port := freeUDPPort(t)
	a := New(testOptions("host-a", port))

	devices, err := a.ScanDevices(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ScanDevices() error = %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("got %d devices, want 0", len(devices))
	}
}

func TestScanInProgress(t *testing.T) {
	port := freeUDPPort(t)
	a := New(testOptions("host-a", port))

	done := make(chan error, 1)
	go func() {
		_, err := a.ScanDevices(context.Background(), 400*time.Millisecond)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)

	_, err := a.ScanDevices(context.Background(), 100*time.Millisecond)
	if !errors.Is(err, transport.ErrScanInProgress) {
		t.Errorf("second ScanDevices() error = %v, want ErrScanInProgress", err)
	}
	if err := <-done; err != nil {
		t.Errorf("first ScanDevices() error = %v", err)
	}

	// The flag is released once the first scan returns.
	if _, err := a.ScanDevices(context.Background(), 50*time.Millisecond); err != nil {
		t.Errorf("third ScanDevices() error = %v", err)
	}
}

func TestScanPortExhausted(t *testing.T) {
	port := freeUDPPort(t)
	busy, err := net.ListenPacket("udp4", ":"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer busy.Close()

	opts := testOptions("host-a", port)
	opts.MaxPortRetries = 0
	a := New(opts)

	_, err = a.ScanDevices(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, transport.ErrPortExhausted) {
		t.Errorf("ScanDevices() error = %v, want ErrPortExhausted", err)
	}
}

func TestScanHonoursContextCancel(t *testing.T) {
	port := freeUDPPort(t)
	a := New(testOptions("host-a", port))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if _, err := a.ScanDevices(ctx, 5*time.Second); err != nil {
		t.Fatalf("ScanDevices() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("scan ran %s after cancel", elapsed)
	}
}

func TestAnnounceConnectAndSend(t *testing.T) {
	peerPort := freeUDPPort(t)
	peerOpts := testOptions("host-b", peerPort)
	peerOpts.TransferPort = freeUDPPort(t)
	peer := New(peerOpts)

	inbound := make(chan transport.Inbound, 4)
	closer, err := peer.Announce(context.Background(), func(in transport.Inbound) { inbound <- in })
	if err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	defer closer.Close()

	host := New(testOptions("host-a", peerPort))
	devices, err := host.ScanDevices(context.Background(), 300*time.Millisecond)
	if err != nil {
		t.Fatalf("ScanDevices() error = %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "host-b" {
		t.Fatalf("devices = %+v, want host-b", devices)
	}
	if devices[0].Port != peerOpts.TransferPort {
		t.Errorf("advertised port = %d, want %d", devices[0].Port, peerOpts.TransferPort)
	}

	d := devices[0]
	ok, err := host.ConnectDevice(context.Background(), &d)
	if err != nil || !ok {
		t.Fatalf("ConnectDevice() = %v, %v; want true, nil", ok, err)
	}
	if d.Status != transport.StatusConnected || d.ConnectedAt == nil {
		t.Errorf("device not marked connected: %+v", d)
	}

	if err := host.SendText(context.Background(), "hi", transport.Meta{}); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	select {
	case in := <-inbound:
		if in.Type != TypeText || in.Content != "hi" {
			t.Errorf("inbound = %+v, want text hi", in)
		}
		if in.From != "ColdSend-host-a" {
			t.Errorf("From = %q, want ColdSend-host-a", in.From)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received text")
	}

	payload := []byte("file body")
	err = host.SendFile(context.Background(), transport.File{Name: "note.txt", Data: payload}, transport.Meta{Target: "host-b"})
	if err != nil {
		t.Fatalf("SendFile() error = %v", err)
	}
	select {
	case in := <-inbound:
		if in.Type != TypeFile || in.Filename != "note.txt" || in.Size != int64(len(payload)) {
			t.Errorf("inbound = %+v, want note.txt", in)
		}
		got, _ := base64.StdEncoding.DecodeString(in.Content)
		if string(got) != string(payload) {
			t.Errorf("content = %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received file")
	}
}

func TestAnnounceCloseIsIdempotent(t *testing.T) {
	opts := testOptions("host-b", freeUDPPort(t))
	opts.TransferPort = freeUDPPort(t)
	closer, err := New(opts).Announce(context.Background(), nil)
	if err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestConnectUnreachableReturnsFalse(t *testing.T) {
	a := New(testOptions("host-a", freeUDPPort(t)))
	d := &transport.Device{ID: "ghost", Address: "127.0.0.1", Port: freeUDPPort(t)}

	ok, err := a.ConnectDevice(context.Background(), d)
	if err != nil {
		t.Fatalf("ConnectDevice() error = %v, want nil", err)
	}
	if ok {
		t.Error("ConnectDevice() = true for unreachable device")
	}
	if err := a.SendText(context.Background(), "x", transport.Meta{}); !errors.Is(err, transport.ErrNoTarget) {
		t.Errorf("SendText() error = %v, want ErrNoTarget", err)
	}
}

func TestSendWithoutConnectedDevices(t *testing.T) {
	a := New(testOptions("host-a", freeUDPPort(t)))

	err := a.SendText(context.Background(), "hi", transport.Meta{})
	if !errors.Is(err, transport.ErrNoTarget) {
		t.Errorf("SendText() error = %v, want ErrNoTarget", err)
	}
	err = a.SendText(context.Background(), "hi", transport.Meta{Target: "nobody"})
	if !errors.Is(err, transport.ErrNoTarget) {
		t.Errorf("SendText(target) error = %v, want ErrNoTarget", err)
	}
}

func TestSendRejectsOversizedDatagram(t *testing.T) {
	a := New(testOptions("host-a", freeUDPPort(t)))
	a.connected.Put(&transport.Device{ID: "peer", Address: "127.0.0.1", Port: freeUDPPort(t)})

	err := a.SendText(context.Background(), strings.Repeat("x", MaxDatagramSize), transport.Meta{})
	if !errors.Is(err, transport.ErrDatagramTooLarge) {
		t.Errorf("SendText() error = %v, want ErrDatagramTooLarge", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	a := New(testOptions("host-a", freeUDPPort(t)))
	d := &transport.Device{ID: "peer", Address: "127.0.0.1", Port: 1}
	a.connected.Put(d)

	for i := 0; i < 2; i++ {
		ok, err := a.DisconnectDevice(context.Background(), d)
		if err != nil || !ok {
			t.Errorf("DisconnectDevice() #%d = %v, %v; want true, nil", i+1, ok, err)
		}
	}
	if a.connected.Len() != 0 {
		t.Errorf("connected set still holds %d devices", a.connected.Len())
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	data := []byte("hello")
	m := Message{Type: TypeFile, Content: base64.StdEncoding.EncodeToString(data), Checksum: Checksum(data)}
	if !verifyChecksum(m) {
		t.Error("verifyChecksum() = false for matching content")
	}
	m.Content = base64.StdEncoding.EncodeToString([]byte("tampered"))
	if verifyChecksum(m) {
		t.Error("verifyChecksum() = true for tampered content")
	}
}
