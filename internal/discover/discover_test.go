package discover

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/familyvault/engine/internal/events"
)

// listenOnLoopback starts a Discoverer's listenLoop on an ephemeral
// loopback UDP socket rather than the fixed broadcast port, so tests can
// run concurrently without colliding on a real network broadcast.
func listenOnLoopback(t *testing.T, d *Discoverer) (*net.UDPConn, func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go d.listenLoop(ctx, conn)
	return conn, func() {
		cancel()
		conn.Close()
	}
}

func sendAnnouncement(t *testing.T, to *net.UDPAddr, ann announcement) {
	t.Helper()
	body, err := json.Marshal(ann)
	if err != nil {
		t.Fatalf("marshal announcement: %v", err)
	}
	sender, err := net.DialUDP("udp4", nil, to)
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer sender.Close()
	if _, err := sender.Write(body); err != nil {
		t.Fatalf("write announcement: %v", err)
	}
}

func waitForPeer(t *testing.T, d *Discoverer, deviceID string) Peer {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range d.Peers() {
			if p.DeviceID == deviceID {
				return p
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("peer %s never appeared", deviceID)
	return Peer{}
}

func TestDiscovererTracksMatchingFamilyPeer(t *testing.T) {
	d := New("host-device", "Host", "fam-1", 22027, events.NewBus())
	conn, stop := listenOnLoopback(t, d)
	defer stop()

	sendAnnouncement(t, conn.LocalAddr().(*net.UDPAddr), announcement{
		DeviceID: "phone-device", DeviceName: "Phone", FamilyID: "fam-1", Port: 22028,
	})

	peer := waitForPeer(t, d, "phone-device")
	if peer.DeviceName != "Phone" || peer.Addr.Port != 22028 {
		t.Fatalf("peer = %+v, want DeviceName=Phone Addr.Port=22028", peer)
	}
}

func TestDiscovererIgnoresOtherFamilyAndSelf(t *testing.T) {
	d := New("host-device", "Host", "fam-1", 22027, events.NewBus())
	conn, stop := listenOnLoopback(t, d)
	defer stop()

	sendAnnouncement(t, conn.LocalAddr().(*net.UDPAddr), announcement{
		DeviceID: "stranger-device", DeviceName: "Stranger", FamilyID: "fam-2", Port: 22029,
	})
	sendAnnouncement(t, conn.LocalAddr().(*net.UDPAddr), announcement{
		DeviceID: "host-device", DeviceName: "Host", FamilyID: "fam-1", Port: 22027,
	})

	// Give both datagrams time to be processed, then confirm neither
	// produced an entry: the first is a different family, the second
	// is our own looped-back broadcast.
	time.Sleep(200 * time.Millisecond)
	if peers := d.Peers(); len(peers) != 0 {
		t.Fatalf("peers = %+v, want none tracked", peers)
	}
}

func TestDiscovererReannounceUpdatesLastSeen(t *testing.T) {
	d := New("host-device", "Host", "fam-1", 22027, events.NewBus())
	conn, stop := listenOnLoopback(t, d)
	defer stop()

	addr := conn.LocalAddr().(*net.UDPAddr)
	sendAnnouncement(t, addr, announcement{DeviceID: "phone-device", DeviceName: "Phone", FamilyID: "fam-1", Port: 22028})
	first := waitForPeer(t, d, "phone-device")

	time.Sleep(10 * time.Millisecond)
	sendAnnouncement(t, addr, announcement{DeviceID: "phone-device", DeviceName: "Phone", FamilyID: "fam-1", Port: 22028})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range d.Peers() {
			if p.DeviceID == "phone-device" && p.LastSeen.After(first.LastSeen) {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("LastSeen was never refreshed by the second announcement")
}
