// Package mock provides a transport that discovers nothing and pretends every
// send succeeds. It backs development on machines without a usable network or
// radio.
package mock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/coldsend/internal/transport"
)

// Simulated send latencies.
const (
	TextDelay = 100 * time.Millisecond
	FileDelay = 150 * time.Millisecond
)

// Sent records one simulated delivery.
type Sent struct {
	Kind     string // "text" or "file"
	Content  string
	Filename string
	Size     int64
	Target   string
	At       time.Time
}

// Adapter is the mock transport.
type Adapter struct {
	textDelay time.Duration
	fileDelay time.Duration

	mu   sync.Mutex
	sent []Sent
}

var _ transport.Adapter = (*Adapter)(nil)

// New returns a mock adapter with the standard delays.
func New() *Adapter {
	return &Adapter{textDelay: TextDelay, fileDelay: FileDelay}
}

// WithDelays overrides the simulated latencies.
func (a *Adapter) WithDelays(text, file time.Duration) *Adapter {
	a.textDelay = text
	a.fileDelay = file
	return a
}

func (a *Adapter) ID() string { return transport.MockID }

func (a *Adapter) ScanDevices(context.Context, time.Duration) ([]transport.Device, error) {
	return nil, transport.ErrUnsupported
}

func (a *Adapter) ConnectDevice(context.Context, *transport.Device) (bool, error) {
	return false, transport.ErrUnsupported
}

func (a *Adapter) DisconnectDevice(context.Context, *transport.Device) (bool, error) {
	return true, nil
}

func (a *Adapter) SendText(ctx context.Context, text string, meta transport.Meta) error {
	slog.Info("[Mock] send text", "bytes", len(text), "target", meta.Target)
	if err := sleep(ctx, a.textDelay); err != nil {
		return err
	}
	a.record(Sent{Kind: "text", Content: text, Size: int64(len(text)), Target: meta.Target})
	return nil
}

func (a *Adapter) SendFile(ctx context.Context, f transport.File, meta transport.Meta) error {
	size := f.Size
	if f.Data != nil {
		size = int64(len(f.Data))
	}
	slog.Info("[Mock] send file", "name", f.Name, "size", size, "target", meta.Target)
	if err := sleep(ctx, a.fileDelay); err != nil {
		return err
	}
	a.record(Sent{Kind: "file", Filename: f.Name, Size: size, Target: meta.Target})
	return nil
}

func (a *Adapter) Close() error { return nil }

// History returns the simulated deliveries in order.
func (a *Adapter) History() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent(nil), a.sent...)
}

func (a *Adapter) record(s Sent) {
	s.At = time.Now()
	a.mu.Lock()
	a.sent = append(a.sent, s)
	a.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
