package tandem

import (
	"context"
	"testing"
	"time"
)

// seePeer injects an observed announcement, standing in for the multicast
// listener in tests.
func seePeer(d *Discovery, deviceID, addr string, seen time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[deviceID] = PeerInfo{DeviceID: deviceID, Addr: addr, LastSeen: seen}
}

func TestDiscoveryPeersAndLookup(t *testing.T) {
	d := NewDiscovery(DefaultDiscoveryConfig(), "dev-a", "Phone", 7645, testLogger())
	now := time.Now()
	seePeer(d, "dev-b", "192.168.1.20:7645", now)
	seePeer(d, "dev-c", "192.168.1.30:7645", now)

	if len(d.Peers()) != 2 {
		t.Fatalf("peers = %v", d.Peers())
	}
	info, ok := d.Lookup("dev-b")
	if !ok || info.Addr != "192.168.1.20:7645" {
		t.Errorf("lookup = %+v ok=%v", info, ok)
	}
	if _, ok := d.Lookup("dev-z"); ok {
		t.Error("unknown device resolved")
	}
}

func TestDiscoveryExpiresStalePeers(t *testing.T) {
	config := DefaultDiscoveryConfig()
	config.PeerTTL = 10 * time.Second
	d := NewDiscovery(config, "dev-a", "", 7645, testLogger())

	seePeer(d, "dev-old", "192.168.1.20:7645", time.Now().Add(-time.Minute))
	seePeer(d, "dev-new", "192.168.1.30:7645", time.Now())

	d.expireStale()
	if _, ok := d.Lookup("dev-old"); ok {
		t.Error("stale peer survived expiry")
	}
	if _, ok := d.Lookup("dev-new"); !ok {
		t.Error("fresh peer expired")
	}
}

func TestDiscoveryConfigDefaults(t *testing.T) {
	d := NewDiscovery(DiscoveryConfig{}, "dev-a", "", 7645, testLogger())
	if d.config.MulticastAddr == "" || d.config.AnnounceInterval <= 0 ||
		d.config.PeerTTL <= 0 || d.config.ScanWindow <= 0 {
		t.Errorf("defaults not applied: %+v", d.config)
	}
}

func TestDiscoveryScanRequiresStart(t *testing.T) {
	d := NewDiscovery(DefaultDiscoveryConfig(), "dev-a", "", 7645, testLogger())
	if _, err := d.Scan(context.Background()); err == nil {
		t.Fatal("scan before start succeeded")
	}
}
