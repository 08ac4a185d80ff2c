package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/coldsend/internal/transport"
)

func TestScanAndConnectUnsupported(t *testing.T) {
	a := New()
	if _, err := a.ScanDevices(context.Background(), time.Second); !errors.Is(err, transport.ErrUnsupported) {
		t.Errorf("ScanDevices() error = %v, want ErrUnsupported", err)
	}
	ok, err := a.ConnectDevice(context.Background(), &transport.Device{ID: "x"})
	if ok || !errors.Is(err, transport.ErrUnsupported) {
		t.Errorf("ConnectDevice() = %v, %v; want false, ErrUnsupported", ok, err)
	}
	if ok, err := a.DisconnectDevice(context.Background(), &transport.Device{ID: "x"}); !ok || err != nil {
		t.Errorf("DisconnectDevice() = %v, %v; want true, nil", ok, err)
	}
}

func TestSendsSucceedAndAreRecorded(t *testing.T) {
	a := New().WithDelays(0, 0)
	if err := a.SendText(context.Background(), "hello", transport.Meta{Target: "pad"}); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if err := a.SendFile(context.Background(), transport.File{Name: "a.bin", Data: []byte{1, 2, 3}}, transport.Meta{}); err != nil {
		t.Fatalf("SendFile() error = %v", err)
	}

	h := a.History()
	if len(h) != 2 {
		t.Fatalf("History() has %d entries, want 2", len(h))
	}
	if h[0].Kind != "text" || h[0].Content != "hello" || h[0].Target != "pad" {
		t.Errorf("first = %+v", h[0])
	}
	if h[1].Kind != "file" || h[1].Filename != "a.bin" || h[1].Size != 3 {
		t.Errorf("second = %+v", h[1])
	}
}

func TestSendTextTakesSimulatedTime(t *testing.T) {
	a := New()
	start := time.Now()
	if err := a.SendText(context.Background(), "x", transport.Meta{}); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < TextDelay {
		t.Errorf("SendText() took %v, want at least %v", elapsed, TextDelay)
	}
}

func TestSendHonoursCancel(t *testing.T) {
	a := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.SendFile(ctx, transport.File{Name: "a"}, transport.Meta{}); !errors.Is(err, context.Canceled) {
		t.Errorf("SendFile() error = %v, want context.Canceled", err)
	}
	if len(a.History()) != 0 {
		t.Error("cancelled send was recorded")
	}
}
