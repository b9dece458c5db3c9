package tandem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DiscoveryConfig configures local-network peer discovery.
type DiscoveryConfig struct {
	// MulticastAddr is the UDP multicast group for announcements.
	MulticastAddr string

	// AnnounceInterval is how often the local device announces itself.
	AnnounceInterval time.Duration

	// PeerTTL is how long a peer stays listed after its last announcement.
	PeerTTL time.Duration

	// ScanWindow is the default window for a blocking Scan.
	ScanWindow time.Duration
}

// DefaultDiscoveryConfig returns a discovery configuration with sensible
// defaults.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		MulticastAddr:    "239.255.76.45:7646",
		AnnounceInterval: 5 * time.Second,
		PeerTTL:          30 * time.Second,
		ScanWindow:       10 * time.Second,
	}
}

// PeerInfo describes a device seen on the local network.
type PeerInfo struct {
	DeviceID string    `json:"deviceId"`
	Label    string    `json:"label,omitempty"`
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"-"`
}

// announcement is the multicast wire record.
type announcement struct {
	DeviceID string `json:"deviceId"`
	Label    string `json:"label,omitempty"`
	Port     int    `json:"port"`
}

// Discovery announces the local device over UDP multicast and tracks
// announcements from other devices. Paired and unpaired devices alike
// show up here; pairing status is the keyring's concern.
type Discovery struct {
	config   DiscoveryConfig
	deviceID string
	label    string
	syncPort int
	logger   *slog.Logger

	mu    sync.RWMutex
	peers map[string]PeerInfo

	conn    *net.UDPConn
	group   *net.UDPAddr
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewDiscovery creates a discovery instance. syncPort is the TCP port the
// local transport listens on, advertised to peers.
func NewDiscovery(config DiscoveryConfig, deviceID, label string, syncPort int, logger *slog.Logger) *Discovery {
	if config.MulticastAddr == "" {
		config.MulticastAddr = "239.255.76.45:7646"
	}
	if config.AnnounceInterval <= 0 {
		config.AnnounceInterval = 5 * time.Second
	}
	if config.PeerTTL <= 0 {
		config.PeerTTL = 30 * time.Second
	}
	if config.ScanWindow <= 0 {
		config.ScanWindow = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		config:   config,
		deviceID: deviceID,
		label:    label,
		syncPort: syncPort,
		logger:   logger.With("component", "discovery"),
		peers:    make(map[string]PeerInfo),
	}
}

// Start joins the multicast group and begins announcing and listening.
func (d *Discovery) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("discovery already started")
	}
	group, err := net.ResolveUDPAddr("udp4", d.config.MulticastAddr)
	if err != nil {
		d.running.Store(false)
		return fmt.Errorf("resolve multicast group: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		d.running.Store(false)
		return fmt.Errorf("join multicast group: %w", err)
	}
	conn.SetReadBuffer(64 << 10)

	d.group = group
	d.conn = conn
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(2)
	go d.announceLoop()
	go d.listenLoop()

	d.logger.Info("discovery started", "group", d.config.MulticastAddr)
	return nil
}

// Stop leaves the multicast group.
func (d *Discovery) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	d.cancel()
	d.conn.Close()
	d.wg.Wait()
	d.logger.Info("discovery stopped")
}

func (d *Discovery) announceLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.AnnounceInterval)
	defer ticker.Stop()

	d.announceOnce()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.announceOnce()
		}
	}
}

func (d *Discovery) announceOnce() {
	payload, err := json.Marshal(announcement{
		DeviceID: d.deviceID,
		Label:    d.label,
		Port:     d.syncPort,
	})
	if err != nil {
		return
	}
	out, err := net.DialUDP("udp4", nil, d.group)
	if err != nil {
		d.logger.Debug("announce failed", "error", err)
		return
	}
	defer out.Close()
	if _, err := out.Write(payload); err != nil {
		d.logger.Debug("announce failed", "error", err)
	}
}

func (d *Discovery) listenLoop() {
	defer d.wg.Done()
	buf := make([]byte, 1500)
	for {
		d.conn.SetReadDeadline(time.Now().Add(d.config.AnnounceInterval))
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				d.expireStale()
				continue
			}
			d.logger.Debug("discovery read failed", "error", err)
			continue
		}
		var ann announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			continue
		}
		if ann.DeviceID == "" || ann.DeviceID == d.deviceID || ann.Port <= 0 {
			continue
		}
		info := PeerInfo{
			DeviceID: ann.DeviceID,
			Label:    ann.Label,
			Addr:     net.JoinHostPort(src.IP.String(), fmt.Sprint(ann.Port)),
			LastSeen: time.Now(),
		}
		d.mu.Lock()
		_, known := d.peers[ann.DeviceID]
		d.peers[ann.DeviceID] = info
		d.mu.Unlock()
		if !known {
			d.logger.Info("peer discovered", "peer", ann.DeviceID, "addr", info.Addr)
		}
	}
}

func (d *Discovery) expireStale() {
	cutoff := time.Now().Add(-d.config.PeerTTL)
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, info := range d.peers {
		if info.LastSeen.Before(cutoff) {
			delete(d.peers, id)
			d.logger.Info("peer expired", "peer", id)
		}
	}
}

// Peers returns the devices currently visible on the local network.
func (d *Discovery) Peers() []PeerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerInfo, 0, len(d.peers))
	for _, info := range d.peers {
		out = append(out, info)
	}
	return out
}

// Lookup returns the last-seen address of a specific device.
func (d *Discovery) Lookup(deviceID string) (PeerInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.peers[deviceID]
	return info, ok
}

// Scan blocks for the scan window (or until ctx is done) and returns the
// peers visible at the end of it.
func (d *Discovery) Scan(ctx context.Context) ([]PeerInfo, error) {
	if !d.running.Load() {
		return nil, errors.New("discovery not started")
	}
	select {
	case <-ctx.Done():
		return d.Peers(), ctx.Err()
	case <-time.After(d.config.ScanWindow):
		return d.Peers(), nil
	}
}
