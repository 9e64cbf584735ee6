// Package discover implements the LAN UDP broadcast discovery from spec
// §5.5: every device periodically announces itself and tracks peers seen
// recently, forgetting ones that go quiet. Grounded on the teacher's
// lib/discover/local announcement loop (broadcast + listen goroutines
// sharing a peer cache) adapted from syncthing's multi-address
// announcement to this engine's single-address family-scoped beacon.
package discover

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/familyvault/engine/internal/events"
	"github.com/familyvault/engine/internal/logutil"
)

var l = logutil.NewFacility("discover", "LAN peer discovery")

const (
	announceInterval = 5 * time.Second
	peerTTL          = 30 * time.Second
	broadcastPort    = 21027
)

// Peer is one family member device seen on the LAN.
type Peer struct {
	DeviceID   string
	DeviceName string
	FamilyID   string
	Addr       *net.UDPAddr
	LastSeen   time.Time
}

type announcement struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	FamilyID   string `json:"familyId"`
	Port       int    `json:"port"`
}

// Discoverer broadcasts this device's presence and tracks peers sharing
// the same family id. Unrelated families on the same LAN are heard but
// discarded, per spec §5.5's familyId mismatch handling.
type Discoverer struct {
	deviceID   string
	deviceName string
	familyID   string
	sessionPort int

	bus   *events.Bus
	peers *xsync.MapOf[string, Peer]

	limiter *rate.Limiter
}

func New(deviceID, deviceName, familyID string, sessionPort int, bus *events.Bus) *Discoverer {
	return &Discoverer{
		deviceID:    deviceID,
		deviceName:  deviceName,
		familyID:    familyID,
		sessionPort: sessionPort,
		bus:         bus,
		peers:       xsync.NewMapOf[string, Peer](),
		limiter:     rate.NewLimiter(rate.Every(announceInterval/2), 1),
	}
}

// Peers returns a snapshot of currently known peers.
func (d *Discoverer) Peers() []Peer {
	peers := make([]Peer, 0, d.peers.Size())
	d.peers.Range(func(_ string, p Peer) bool {
		peers = append(peers, p)
		return true
	})
	return peers
}

// Serve runs the broadcast and listen loops until ctx is cancelled. It
// implements suture.Service so it can be supervised alongside the
// engine's other background loops.
func (d *Discoverer) Serve(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: broadcastPort})
	if err != nil {
		return fmt.Errorf("discover: listen: %w", err)
	}
	defer conn.Close()

	go d.announceLoop(ctx, conn)
	go d.reapLoop(ctx)

	return d.listenLoop(ctx, conn)
}

func (d *Discoverer) announceLoop(ctx context.Context, conn *net.UDPConn) {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: broadcastPort}
	for {
		msg, err := json.Marshal(announcement{
			DeviceID: d.deviceID, DeviceName: d.deviceName, FamilyID: d.familyID, Port: d.sessionPort,
		})
		if err != nil {
			l.Warnln("marshal announcement:", err)
		} else if _, err := conn.WriteToUDP(msg, broadcastAddr); err != nil {
			l.Debugln("broadcast:", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Discoverer) listenLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue // read timeout, loop back and check ctx.
		}
		if !d.limiter.Allow() {
			continue // guard against a misbehaving peer flooding announcements.
		}

		var ann announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			continue
		}
		if ann.DeviceID == d.deviceID {
			continue // our own broadcast, looped back.
		}
		if ann.FamilyID != d.familyID {
			continue // different family, ignored per spec.
		}

		peerAddr := &net.UDPAddr{IP: addr.IP, Port: ann.Port}
		_, existed := d.peers.Load(ann.DeviceID)
		d.peers.Store(ann.DeviceID, Peer{
			DeviceID: ann.DeviceID, DeviceName: ann.DeviceName, FamilyID: ann.FamilyID,
			Addr: peerAddr, LastSeen: time.Now(),
		})
		if !existed {
			d.bus.Log(events.DeviceDiscovered, map[string]interface{}{
				"deviceId": ann.DeviceID, "deviceName": ann.DeviceName, "addr": peerAddr.String(),
			})
		}
	}
}

func (d *Discoverer) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(peerTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-peerTTL)
		d.peers.Range(func(id string, p Peer) bool {
			if p.LastSeen.Before(cutoff) {
				d.peers.Delete(id)
				d.bus.Log(events.DeviceLost, map[string]interface{}{"deviceId": id})
			}
			return true
		})
	}
}
