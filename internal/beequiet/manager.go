package beequiet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/webfirstlanguage/beenet/internal/eventbus"
)

// NodeState is the local discovery state machine (spec.md §4.5).
type NodeState int

const (
	StateDiscovering NodeState = iota
	StateSteady
	StateLeaving
)

const (
	heartbeatInterval = 30 * time.Second
	peerTimeout       = 90 * time.Second
	sweepInterval     = 10 * time.Second
)

// PeerInfo is a snapshot of one discovered peer.
type PeerInfo struct {
	PeerID   string
	Addr     *net.UDPAddr
	LastSeen time.Time
}

type peerSession struct {
	peerID   string
	addr     *net.UDPAddr
	key      SessionKey
	lastSeen time.Time
}

// Discovery runs the BeeQuiet protocol on the LAN multicast group,
// tracking discovered peers and their per-session AEAD keys.
type Discovery struct {
	selfPeerID string
	log        *slog.Logger
	bus        *eventbus.Bus

	mu            sync.RWMutex
	state         NodeState
	conn          *net.UDPConn
	groupAddr     *net.UDPAddr
	currentNonce  string
	peers         map[string]*peerSession

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Discovery bound to no socket yet; call Start to join
// the multicast group and begin running.
func New(selfPeerID string, log *slog.Logger, bus *eventbus.Bus) *Discovery {
	if log == nil {
		log = slog.Default()
	}
	return &Discovery{
		selfPeerID: selfPeerID,
		log:        log.With("component", "beequiet", "peer_id", selfPeerID),
		bus:        bus,
		state:      StateDiscovering,
		peers:      make(map[string]*peerSession),
	}
}

// Start joins the multicast group, emits an initial WHO_IS_HERE, and
// launches the receive and maintenance loops. Socket bind failures are
// surfaced to the caller (spec.md §7: discovery start/stop failures
// prevent socket binding and propagate to the orchestrator).
func (d *Discovery) Start(ctx context.Context) error {
	groupAddr := &net.UDPAddr{IP: net.ParseIP(MulticastGroup), Port: MulticastPort}
	conn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return fmt.Errorf("beequiet: join multicast group: %w", err)
	}
	conn.SetReadBuffer(1 << 20)

	d.mu.Lock()
	d.conn = conn
	d.groupAddr = groupAddr
	d.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(2)
	go d.receiveLoop(loopCtx)
	go d.maintenanceLoop(loopCtx)

	if err := d.announce(); err != nil {
		d.log.Warn("initial announce failed", "error", err)
	}
	return nil
}

// Stop emits a best-effort GOODBYE to every known peer, then closes the
// socket and waits for the loops to exit.
func (d *Discovery) Stop() {
	d.mu.Lock()
	d.state = StateLeaving
	peers := make([]*peerSession, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.Unlock()

	for _, p := range peers {
		if err := d.sendGoodbye(p); err != nil {
			d.log.Debug("goodbye send failed", "peer_id", p.peerID, "error", err)
		}
	}

	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	d.wg.Wait()
}

// Peers returns a snapshot of currently known peers.
func (d *Discovery) Peers() []PeerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerInfo, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, PeerInfo{PeerID: p.peerID, Addr: p.addr, LastSeen: p.lastSeen})
	}
	return out
}

func randomHex16() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (d *Discovery) announce() error {
	nonce, err := randomHex16()
	if err != nil {
		return fmt.Errorf("beequiet: generate nonce: %w", err)
	}

	d.mu.Lock()
	d.currentNonce = nonce
	conn, group := d.conn, d.groupAddr
	d.mu.Unlock()

	payload, err := json.Marshal(WhoPayload{
		PeerID:    d.selfPeerID,
		Nonce:     nonce,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("beequiet: marshal WHO: %w", err)
	}

	frame := &Frame{Type: TypeWhoIsHere, Payload: payload}
	_, err = conn.WriteToUDP(frame.Encode(), group)
	return err
}

func (d *Discovery) receiveLoop(ctx context.Context) {
	defer d.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.mu.RLock()
		conn := d.conn
		d.mu.RUnlock()
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue // read timeout or transient error; loop and recheck ctx
		}

		frame, err := Decode(buf[:n])
		if err != nil {
			d.log.Debug("dropped malformed datagram", "from", addr, "error", err)
			continue
		}
		d.handleFrame(frame, addr)
	}
}

func (d *Discovery) handleFrame(frame *Frame, addr *net.UDPAddr) {
	switch frame.Type {
	case TypeWhoIsHere:
		d.handleWho(frame.Payload, addr)
	case TypeIAmHere:
		d.handleIam(frame.Payload, addr)
	case TypeHeartbeat:
		d.handleHeartbeat(frame.Payload, addr)
	case TypeGoodbye:
		d.handleGoodbye(frame.Payload, addr)
	}
}

func (d *Discovery) handleWho(payload []byte, addr *net.UDPAddr) {
	var who WhoPayload
	if err := json.Unmarshal(payload, &who); err != nil {
		d.log.Debug("dropped malformed WHO", "from", addr, "error", err)
		return
	}
	if who.PeerID == d.selfPeerID {
		return
	}

	response, err := randomHex16()
	if err != nil {
		d.log.Debug("failed to generate IAM response", "error", err)
		return
	}
	key, err := deriveSessionKey(who.Nonce, response)
	if err != nil {
		d.log.Debug("failed to derive session key", "error", err)
		return
	}

	d.mu.Lock()
	d.peers[who.PeerID] = &peerSession{peerID: who.PeerID, addr: addr, key: key, lastSeen: time.Now()}
	if d.state == StateDiscovering {
		d.state = StateSteady
	}
	conn := d.conn
	d.mu.Unlock()

	d.bus.Emit(eventbus.PeerDiscovered, map[string]any{"peer_id": who.PeerID, "addr": addr.String()})

	iam, err := json.Marshal(IamPayload{PeerID: d.selfPeerID, Response: response, Timestamp: time.Now().Unix()})
	if err != nil {
		d.log.Debug("failed to marshal IAM", "error", err)
		return
	}
	frame := &Frame{Type: TypeIAmHere, Payload: iam}
	if _, err := conn.WriteToUDP(frame.Encode(), addr); err != nil {
		d.log.Debug("failed to send IAM", "to", addr, "error", err)
	}
}

func (d *Discovery) handleIam(payload []byte, addr *net.UDPAddr) {
	var iam IamPayload
	if err := json.Unmarshal(payload, &iam); err != nil {
		d.log.Debug("dropped malformed IAM", "from", addr, "error", err)
		return
	}
	if iam.PeerID == d.selfPeerID {
		return
	}

	d.mu.RLock()
	nonce := d.currentNonce
	d.mu.RUnlock()
	if nonce == "" {
		return
	}

	key, err := deriveSessionKey(nonce, iam.Response)
	if err != nil {
		d.log.Debug("failed to derive session key", "error", err)
		return
	}

	d.mu.Lock()
	_, existed := d.peers[iam.PeerID]
	d.peers[iam.PeerID] = &peerSession{peerID: iam.PeerID, addr: addr, key: key, lastSeen: time.Now()}
	if d.state == StateDiscovering {
		d.state = StateSteady
	}
	d.mu.Unlock()

	if !existed {
		d.bus.Emit(eventbus.PeerDiscovered, map[string]any{"peer_id": iam.PeerID, "addr": addr.String()})
	}
}

func (d *Discovery) handleHeartbeat(payload []byte, addr *net.UDPAddr) {
	d.mu.RLock()
	var match *peerSession
	for _, p := range d.peers {
		if p.addr.IP.Equal(addr.IP) && p.addr.Port == addr.Port {
			match = p
			break
		}
	}
	d.mu.RUnlock()
	if match == nil {
		return
	}

	plaintext, err := open(match.key, payload)
	if err != nil {
		d.log.Debug("dropped undecryptable HEARTBEAT", "from", addr, "error", err)
		return
	}
	var hb HeartbeatPayload
	if err := json.Unmarshal(plaintext, &hb); err != nil {
		d.log.Debug("dropped malformed HEARTBEAT", "from", addr, "error", err)
		return
	}

	d.mu.Lock()
	if p, ok := d.peers[match.peerID]; ok {
		p.lastSeen = time.Now()
	}
	d.mu.Unlock()
}

func (d *Discovery) handleGoodbye(payload []byte, addr *net.UDPAddr) {
	d.mu.RLock()
	var match *peerSession
	for _, p := range d.peers {
		if p.addr.IP.Equal(addr.IP) && p.addr.Port == addr.Port {
			match = p
			break
		}
	}
	d.mu.RUnlock()
	if match == nil {
		return
	}
	if _, err := open(match.key, payload); err != nil {
		d.log.Debug("dropped undecryptable GOODBYE", "from", addr, "error", err)
		return
	}

	d.mu.Lock()
	delete(d.peers, match.peerID)
	d.mu.Unlock()
	d.bus.Emit(eventbus.PeerDisconnected, map[string]any{"peer_id": match.peerID, "reason": "goodbye"})
}

func (d *Discovery) sendGoodbye(p *peerSession) error {
	payload, err := json.Marshal(GoodbyePayload{PeerID: d.selfPeerID, Timestamp: time.Now().Unix()})
	if err != nil {
		return err
	}
	sealed, err := seal(p.key, payload)
	if err != nil {
		return err
	}
	frame := &Frame{Type: TypeGoodbye, Payload: sealed}

	d.mu.RLock()
	conn := d.conn
	d.mu.RUnlock()
	_, err = conn.WriteToUDP(frame.Encode(), p.addr)
	return err
}

func (d *Discovery) sendHeartbeat(p *peerSession) error {
	payload, err := json.Marshal(HeartbeatPayload{PeerID: d.selfPeerID, Timestamp: time.Now().Unix()})
	if err != nil {
		return err
	}
	sealed, err := seal(p.key, payload)
	if err != nil {
		return err
	}
	frame := &Frame{Type: TypeHeartbeat, Payload: sealed}

	d.mu.RLock()
	conn := d.conn
	d.mu.RUnlock()
	_, err = conn.WriteToUDP(frame.Encode(), p.addr)
	return err
}

func (d *Discovery) maintenanceLoop(ctx context.Context) {
	defer d.wg.Done()
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			d.mu.RLock()
			peers := make([]*peerSession, 0, len(d.peers))
			for _, p := range d.peers {
				peers = append(peers, p)
			}
			d.mu.RUnlock()
			for _, p := range peers {
				if err := d.sendHeartbeat(p); err != nil {
					d.log.Debug("heartbeat send failed", "peer_id", p.peerID, "error", err)
				}
			}
		case <-sweepTicker.C:
			d.evictStale()
		}
	}
}

func (d *Discovery) evictStale() {
	now := time.Now()
	d.mu.Lock()
	var evicted []string
	for id, p := range d.peers {
		if now.Sub(p.lastSeen) > peerTimeout {
			delete(d.peers, id)
			evicted = append(evicted, id)
		}
	}
	d.mu.Unlock()

	for _, id := range evicted {
		d.bus.Emit(eventbus.PeerDisconnected, map[string]any{"peer_id": id, "reason": "timeout"})
	}
}
