package wifidirect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/chaz8081/coldsend/internal/transport"
)

// announcer answers discovery probes on the discovery port and serves the
// transfer port (ping replies and inbound text/file datagrams).
type announcer struct {
	opts      Options
	discovery net.PacketConn
	transfer  net.PacketConn
	recv      func(transport.Inbound)

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Announce makes this host discoverable and reachable. recv, if non-nil, is
// called for every text or file datagram a peer sends us.
func (a *Adapter) Announce(ctx context.Context, recv func(transport.Inbound)) (io.Closer, error) {
	disc, err := listenUDP(ctx, a.opts.DiscoveryPort)
	if err != nil {
		return nil, fmt.Errorf("wifi: bind announce port %d: %w", a.opts.DiscoveryPort, err)
	}
	xfer, err := listenUDP(ctx, a.opts.TransferPort)
	if err != nil {
		disc.Close()
		return nil, fmt.Errorf("wifi: bind transfer port %d: %w", a.opts.TransferPort, err)
	}

	s := &announcer{opts: a.opts, discovery: disc, transfer: xfer, recv: recv}
	s.wg.Add(2)
	go s.serveDiscovery()
	go s.serveTransfer()
	slog.Info("[WiFi] announcement service started",
		"device_id", a.opts.DeviceID, "discovery_port", a.opts.DiscoveryPort, "transfer_port", a.opts.TransferPort)
	return s, nil
}

func (s *announcer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = errors.Join(s.discovery.Close(), s.transfer.Close())
		s.wg.Wait()
		slog.Info("[WiFi] announcement service stopped")
	})
	return err
}

func (s *announcer) serveDiscovery() {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.discovery.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("[WiFi] announce read failed", "error", err)
			}
			return
		}
		msg, err := decode(buf[:n])
		if err != nil || msg.Type != TypeDiscovery {
			continue
		}
		reply, err := encode(Message{
			Type:       TypeDevice,
			DeviceID:   s.opts.DeviceID,
			DeviceName: s.opts.DeviceName,
			Port:       s.opts.TransferPort,
		})
		if err != nil {
			continue
		}
		if _, err := s.discovery.WriteTo(reply, addr); err != nil {
			slog.Warn("[WiFi] announce reply failed", "to", addr.String(), "error", err)
		}
	}
}

func (s *announcer) serveTransfer() {
	defer s.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := s.transfer.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("[WiFi] transfer read failed", "error", err)
			}
			return
		}
		msg, err := decode(buf[:n])
		if err != nil {
			continue
		}
		switch msg.Type {
		case TypePing:
			pong, err := encode(Message{Type: TypePong, DeviceID: s.opts.DeviceID})
			if err != nil {
				continue
			}
			if _, err := s.transfer.WriteTo(pong, addr); err != nil {
				slog.Warn("[WiFi] pong failed", "to", addr.String(), "error", err)
			}
		case TypeText, TypeFile:
			s.deliver(msg, addr)
		}
	}
}

func (s *announcer) deliver(msg Message, addr net.Addr) {
	if msg.Type == TypeFile && msg.Checksum != "" {
		if ok := verifyChecksum(msg); !ok {
			slog.Warn("[WiFi] dropping file with bad checksum", "from", addr.String(), "filename", msg.Filename)
			return
		}
	}
	if s.recv == nil {
		return
	}
	host := addr.String()
	if ua, ok := addr.(*net.UDPAddr); ok {
		host = ua.IP.String()
	}
	from := msg.DeviceName
	if from == "" {
		from = host
	}
	s.recv(transport.Inbound{
		Type:     msg.Type,
		From:     from,
		Address:  host,
		Content:  msg.Content,
		Filename: msg.Filename,
		Size:     msg.Size,
		Received: time.Now(),
	})
}
