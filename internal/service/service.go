// Package service is the process-wide state behind the HTTP front end: the
// current transport adapter, the device sets, the send queue and the hub.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/coldsend/internal/config"
	"github.com/chaz8081/coldsend/internal/hub"
	"github.com/chaz8081/coldsend/internal/queue"
	"github.com/chaz8081/coldsend/internal/telemetry"
	"github.com/chaz8081/coldsend/internal/transport"
	"github.com/chaz8081/coldsend/internal/transport/factory"
)

// Mode is the connection mode reported to clients.
type Mode string

const (
	ModeSingle    Mode = "single"
	ModeBroadcast Mode = "broadcast"
)

var (
	ErrDeviceNotFound  = errors.New("service: device not found")
	ErrUnknownProtocol = errors.New("service: unknown protocol")
	ErrEmptyPayload    = errors.New("service: empty payload")
	ErrPayloadTooLarge = errors.New("service: payload too large")
	ErrInvalidMode     = errors.New("service: invalid connection mode")
	// ErrProtocolChanged means the adapter was switched while a scan or
	// connect was running; its result was discarded.
	ErrProtocolChanged = errors.New("service: protocol changed during operation")
)

// BroadcastFrom is the sender name on host-originated hub messages.
const BroadcastFrom = "host"

// AdapterFunc builds an adapter by protocol name.
type AdapterFunc func(name string, cfg *config.Config) transport.Adapter

// Options configures a Service. Zero fields take defaults.
type Options struct {
	NewAdapter AdapterFunc // defaults to factory.New
	Hub        *hub.Hub
}

// FileUpload describes a file to send. Data wins over Path.
type FileUpload struct {
	Path string
	Data []byte
	Name string
	Size int64
}

// Status is the snapshot returned by Status.
type Status struct {
	AdapterID         string             `json:"adapter"`
	Protocol          string             `json:"protocol"`
	Mode              Mode               `json:"mode"`
	DiscoveredDevices []transport.Device `json:"discoveredDevices"`
	ConnectedDevices  []transport.Device `json:"connectedDevices"`
	QueueLength       int                `json:"queueLength"`
	Subscribers       int                `json:"subscribers"`
}

// Service owns the adapter and everything derived from it. Switching
// protocol bumps a generation counter so in-flight scans and connects
// started on the old adapter cannot write into the new device sets.
type Service struct {
	cfg        *config.Config
	newAdapter AdapterFunc
	hub        *hub.Hub
	queue      *queue.Queue

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	adapter    transport.Adapter
	protocol   string
	generation uint64
	announcer  io.Closer
	discovered *transport.DeviceSet
	connected  *transport.DeviceSet
	mode       Mode
}

// New builds the service around the adapter named by cfg.Adapter and starts
// its announce service when the adapter has one.
func New(cfg *config.Config, opts Options) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.NewAdapter == nil {
		opts.NewAdapter = factory.New
	}
	if opts.Hub == nil {
		opts.Hub = hub.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		newAdapter: opts.NewAdapter,
		hub:        opts.Hub,
		ctx:        ctx,
		cancel:     cancel,
		discovered: transport.NewDeviceSet(),
		connected:  transport.NewDeviceSet(),
		mode:       ModeSingle,
	}
	s.queue = queue.New(s.current, queue.Options{History: cfg.Queue.History, OnFinish: s.jobFinished})

	s.adapter = s.newAdapter(cfg.Adapter, cfg)
	s.protocol = factory.Canonical(cfg.Adapter)
	if s.protocol == "" {
		s.protocol = s.adapter.ID()
	}
	s.watchDrops(s.adapter, s.generation)
	s.startAnnouncer(s.adapter, s.generation)
	slog.Info("[Service] ready", "adapter", s.adapter.ID(), "protocol", s.protocol)
	return s
}

// Hub returns the broadcast hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

func (s *Service) current() transport.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter
}

// SubmitText queues text for the current adapter and returns immediately.
func (s *Service) SubmitText(text, target string) (queue.Job, error) {
	if text == "" {
		return queue.Job{}, ErrEmptyPayload
	}
	return s.queue.EnqueueText(text, transport.Meta{Target: target}), nil
}

// SubmitFile queues a file for the current adapter and returns immediately.
func (s *Service) SubmitFile(f FileUpload, target string) (queue.Job, error) {
	if f.Path == "" && len(f.Data) == 0 {
		return queue.Job{}, ErrEmptyPayload
	}
	if f.Name == "" {
		f.Name = filepath.Base(f.Path)
	}
	if f.Data != nil {
		f.Size = int64(len(f.Data))
	}
	tf := transport.File{Name: f.Name, Path: f.Path, Data: f.Data, Size: f.Size}
	return s.queue.EnqueueFile(tf, transport.Meta{Target: target}), nil
}

// Job looks up a queued, in-flight or recently finished job.
func (s *Service) Job(id string) (queue.Job, bool) {
	return s.queue.Get(id)
}

// Status returns a snapshot of the service state.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		AdapterID:         s.adapter.ID(),
		Protocol:          s.protocol,
		Mode:              s.mode,
		DiscoveredDevices: s.discovered.Snapshot(),
		ConnectedDevices:  s.connected.Snapshot(),
	}
	s.mu.Unlock()
	st.QueueLength = s.queue.Len()
	st.Subscribers = s.hub.Count()
	return st
}

// Discovered returns the devices found by the last scan.
func (s *Service) Discovered() []transport.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discovered.Snapshot()
}

// Scan replaces the discovered set with a fresh scan. Devices already
// connected stay in the connected set only.
func (s *Service) Scan(ctx context.Context, timeout time.Duration) ([]transport.Device, error) {
	s.mu.Lock()
	a, gen := s.adapter, s.generation
	s.discovered.Clear()
	s.mu.Unlock()

	devices, err := a.ScanDevices(ctx, timeout)
	if err != nil {
		telemetry.ScansTotal.WithLabelValues(a.ID(), "error").Inc()
		return nil, fmt.Errorf("service: scan: %w", err)
	}
	telemetry.ScansTotal.WithLabelValues(a.ID(), "ok").Inc()
	telemetry.DevicesFound.WithLabelValues(a.ID()).Set(float64(len(devices)))

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return nil, ErrProtocolChanged
	}
	for i := range devices {
		d := devices[i]
		if _, ok := s.connected.Get(d.ID); ok {
			continue
		}
		s.discovered.Put(&d)
	}
	return s.discovered.Snapshot(), nil
}

// Connect connects a discovered device. The device moves from the
// discovered set to the connected set. A device already marked connected is
// confirmed with the adapter again.
func (s *Service) Connect(ctx context.Context, id string) (transport.Device, error) {
	s.mu.Lock()
	d, ok := s.connected.Get(id)
	if !ok {
		d, ok = s.discovered.Get(id)
		if !ok {
			s.mu.Unlock()
			return transport.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
		}
		d.Status = transport.StatusPairing
	}
	dev := *d
	a, gen := s.adapter, s.generation
	s.mu.Unlock()

	ok, err := a.ConnectDevice(ctx, &dev)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return transport.Device{}, ErrProtocolChanged
	}
	if err != nil || !ok {
		if cur, found := s.connected.Get(id); found {
			s.connected.Delete(id)
			back := *cur
			back.ConnectedAt = nil
			s.discovered.Put(&back)
		}
		if cur, found := s.discovered.Get(id); found {
			cur.Status = transport.StatusError
		}
		if err == nil {
			err = transport.ErrDeviceUnreachable
		}
		return transport.Device{}, fmt.Errorf("service: connect %s: %w", id, err)
	}

	dev.Status = transport.StatusConnected
	if dev.ConnectedAt == nil {
		now := time.Now()
		dev.ConnectedAt = &now
	}
	s.connected.Put(&dev)
	s.discovered.Delete(id)
	slog.Info("[Service] device connected", "device", id, "name", dev.Name)
	return dev, nil
}

// Disconnect drops a connected device. Disconnecting a device that is not
// connected succeeds.
func (s *Service) Disconnect(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	d, ok := s.connected.Get(id)
	if !ok {
		s.mu.Unlock()
		return true, nil
	}
	dev := *d
	s.connected.Delete(id)
	a := s.adapter
	s.mu.Unlock()

	if _, err := a.DisconnectDevice(ctx, &dev); err != nil {
		slog.Warn("[Service] adapter disconnect failed", "device", id, "error", err)
	}
	slog.Info("[Service] device disconnected", "device", id)
	return true, nil
}

// SetProtocol swaps the adapter. Both device sets are cleared, the old
// announce service is stopped and one for the new adapter started. Returns
// the new adapter's id, which differs from name when the factory fell back.
func (s *Service) SetProtocol(name string) (string, error) {
	canonical := factory.Canonical(name)
	if canonical == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
	next := s.newAdapter(canonical, s.cfg)

	s.mu.Lock()
	old, oldAnnouncer := s.adapter, s.announcer
	s.adapter = next
	s.protocol = canonical
	s.generation++
	gen := s.generation
	s.announcer = nil
	s.discovered.Clear()
	s.connected.Clear()
	s.mu.Unlock()

	if oldAnnouncer != nil {
		if err := oldAnnouncer.Close(); err != nil {
			slog.Warn("[Service] stopping announce service", "error", err)
		}
	}
	if err := old.Close(); err != nil {
		slog.Warn("[Service] closing previous adapter", "adapter", old.ID(), "error", err)
	}
	s.watchDrops(next, gen)
	s.startAnnouncer(next, gen)

	slog.Info("[Service] protocol switched", "protocol", canonical, "adapter", next.ID())
	return next.ID(), nil
}

// SetConnectionMode records the client-facing connection mode.
func (s *Service) SetConnectionMode(mode string) (Mode, error) {
	m := Mode(mode)
	switch m {
	case ModeSingle, ModeBroadcast:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
	return m, nil
}

// Subscribe registers a live event subscriber.
func (s *Service) Subscribe(buffer int) (*hub.Subscription, error) {
	return s.hub.Subscribe(buffer)
}

// BroadcastText publishes text to every subscriber and returns how many got it.
func (s *Service) BroadcastText(text string) (int, error) {
	if text == "" {
		return 0, ErrEmptyPayload
	}
	return s.hub.Publish(hub.Message{Type: hub.TypeText, Content: text, From: BroadcastFrom})
}

// BroadcastFile publishes a file, base64 encoded, to every subscriber.
func (s *Service) BroadcastFile(data []byte, filename string, size int64) (int, error) {
	if len(data) == 0 {
		return 0, ErrEmptyPayload
	}
	if limit := s.cfg.Server.MaxBroadcastBytes; limit > 0 && int64(len(data)) > limit {
		return 0, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(data), limit)
	}
	if size <= 0 {
		size = int64(len(data))
	}
	return s.hub.Publish(hub.Message{
		Type:     hub.TypeFile,
		Content:  base64.StdEncoding.EncodeToString(data),
		Filename: filename,
		Size:     size,
		MimeType: MimeType(filename),
		From:     BroadcastFrom,
	})
}

// MimeType guesses a content type from the file extension.
func MimeType(filename string) string {
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// jobFinished removes uploaded files once their job is terminal; the upload
// directory only holds files waiting to be sent.
func (s *Service) jobFinished(j queue.Job) {
	if j.File == nil || j.File.Path == "" || s.cfg.Server.UploadDir == "" {
		return
	}
	rel, err := filepath.Rel(s.cfg.Server.UploadDir, j.File.Path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return
	}
	if err := os.Remove(j.File.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("[Service] removing upload", "path", j.File.Path, "error", err)
	}
}

// Wait blocks until the send queue is idle.
func (s *Service) Wait(ctx context.Context) error {
	return s.queue.Wait(ctx)
}

// Close drains the queue (bounded by ctx), stops the announce service and
// closes the adapter.
func (s *Service) Close(ctx context.Context) error {
	waitErr := s.queue.Wait(ctx)
	if waitErr != nil {
		slog.Warn("[Service] closing with jobs still queued", "pending", s.queue.Len())
	}
	s.cancel()

	s.mu.Lock()
	a, ann := s.adapter, s.announcer
	s.announcer = nil
	s.mu.Unlock()

	var errs []error
	if ann != nil {
		errs = append(errs, ann.Close())
	}
	errs = append(errs, a.Close())
	return errors.Join(errs...)
}

// watchDrops moves devices the adapter lost back to the discovered set so
// they can be connected again.
func (s *Service) watchDrops(a transport.Adapter, gen uint64) {
	dn, ok := a.(transport.DropNotifier)
	if !ok {
		return
	}
	dn.OnDrop(func(id string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.generation {
			return
		}
		d, ok := s.connected.Get(id)
		if !ok {
			return
		}
		dev := *d
		s.connected.Delete(id)
		dev.Status = transport.StatusDiscovered
		dev.ConnectedAt = nil
		s.discovered.Put(&dev)
		slog.Warn("[Service] device dropped", "device", id, "name", dev.Name)
	})
}

func (s *Service) startAnnouncer(a transport.Adapter, gen uint64) {
	ann, ok := a.(transport.Announcer)
	if !ok {
		return
	}
	closer, err := ann.Announce(s.ctx, s.receive)
	if err != nil {
		slog.Warn("[Service] announce service not started", "adapter", a.ID(), "error", err)
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		closer.Close()
		return
	}
	s.announcer = closer
	s.mu.Unlock()
}

// receive republishes a message a peer pushed to this host.
func (s *Service) receive(in transport.Inbound) {
	msg := hub.Message{
		Type:      in.Type,
		Content:   in.Content,
		Filename:  in.Filename,
		Size:      in.Size,
		Timestamp: in.Received,
		From:      in.From,
	}
	if in.Type == hub.TypeFile {
		msg.MimeType = MimeType(in.Filename)
	}
	n, err := s.hub.Publish(msg)
	if err != nil {
		slog.Warn("[Service] republishing inbound message", "from", in.From, "error", err)
		return
	}
	slog.Info("[Service] inbound message", "type", in.Type, "from", in.From, "subscribers", n)
}
