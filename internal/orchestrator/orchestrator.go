// Package orchestrator binds the keystore, identity, static keys, Noise
// channel, BeeQuiet discovery, chunked transfer engine, and resilience
// controller into one running peer (spec.md §2's PeerOrchestrator): it
// accepts inbound connections, drives outbound dials through discovery
// and the directory, multiplexes transfers onto connections, and
// persists transfer state on shutdown.
package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/webfirstlanguage/beenet/internal/beequiet"
	"github.com/webfirstlanguage/beenet/internal/directory"
	"github.com/webfirstlanguage/beenet/internal/eventbus"
	"github.com/webfirstlanguage/beenet/internal/identity"
	"github.com/webfirstlanguage/beenet/internal/natprobe"
	"github.com/webfirstlanguage/beenet/internal/noise"
	"github.com/webfirstlanguage/beenet/internal/resilience"
	"github.com/webfirstlanguage/beenet/internal/statickeys"
	"github.com/webfirstlanguage/beenet/internal/transfer"

	"github.com/webfirstlanguage/beenet/internal/keystore"
)

var errInvalidProof = errors.New("orchestrator: malformed proof on wire")

// inboundTransfer tracks one in-progress receive multiplexed onto a
// Connection.
type inboundTransfer struct {
	receiver  *transfer.Receiver
	statePath string
}

// outboundTransfer tracks one in-progress send. done receives nil once
// the receiver's transfer_complete arrives,
// letting SendFile block on actual completion rather than merely on
// having enumerated every chunk.
type outboundTransfer struct {
	sender *transfer.Sender
	peerID string
	done   chan error
}

// PeerOrchestrator is the top-level running peer: it owns the identity,
// static keys, discovery, directory client, resilience controller, and
// the set of live connections and transfers. Grounded on the teacher's
// Agent (internal/agent/agent.go): same New/Start/Stop shape and
// udpReadLoop/maintenanceLoop-style background goroutines, generalized
// from one UDP+TAP transport to TCP connections secured with Noise and
// multiplexed chunked transfers.
type PeerOrchestrator struct {
	cfg Config
	log *slog.Logger

	ks         *keystore.Keystore
	identity   *identity.Identity
	staticKeys *statickeys.Manager

	discovery  *beequiet.Discovery
	directory  *directory.Client
	natProbe   *natprobe.Prober
	resilience *resilience.Controller
	bus        *eventbus.Bus

	listener net.Listener

	mu       sync.Mutex
	conns    map[string]*Connection
	inbound  map[string]*inboundTransfer
	outbound map[string]*outboundTransfer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a PeerOrchestrator: opens the keystore, loads/generates
// the identity and static keypair, and wires the discovery, directory,
// NAT-probe, resilience, and event-bus collaborators. It does not yet
// touch the network; call Start for that.
func New(cfg Config, log *slog.Logger) (*PeerOrchestrator, error) {
	if log == nil {
		log = slog.Default()
	}

	ks, err := keystore.Open(cfg.KeystorePath, cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open keystore: %w", err)
	}

	id, err := identity.LoadOrGenerate(ks)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load identity: %w", err)
	}

	sk, err := statickeys.LoadOrGenerate(ks, id.PeerID.String())
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load static keys: %w", err)
	}

	bus := eventbus.New(log, 64)

	o := &PeerOrchestrator{
		cfg:        cfg,
		log:        log.With("component", "orchestrator", "peer_id", id.PeerID.String()),
		ks:         ks,
		identity:   id,
		staticKeys: sk,
		bus:        bus,
		conns:      make(map[string]*Connection),
		inbound:    make(map[string]*inboundTransfer),
		outbound:   make(map[string]*outboundTransfer),
	}

	o.discovery = beequiet.New(id.PeerID.String(), log, bus)

	if cfg.DirectoryURL != "" {
		o.directory = directory.NewClient(cfg.DirectoryURL, log)
	}
	if len(cfg.STUNServers) > 0 {
		o.natProbe = natprobe.New(cfg.STUNServers, nil, log)
	}

	o.resilience = resilience.New(log, resilience.DefaultPolicy(), o.reconnectPeer)

	return o, nil
}

// Identity exposes this peer's long-term identity.
func (o *PeerOrchestrator) Identity() *identity.Identity {
	return o.identity
}

// ListenAddr returns the address the inbound listener is bound to. Only
// valid after Start succeeds; useful when ListenAddr in Config is "host:0"
// and the OS picked the port.
func (o *PeerOrchestrator) ListenAddr() string {
	if o.listener == nil {
		return ""
	}
	return o.listener.Addr().String()
}

// EventBus exposes the orchestrator's event bus so external collaborators
// (a CLI, a metrics sink) can subscribe without the core reaching for a
// global.
func (o *PeerOrchestrator) EventBus() *eventbus.Bus {
	return o.bus
}

// Start binds the inbound TCP listener and launches the discovery loop,
// the resilience controller's janitor, the accept loop, and a
// maintenance loop that bridges newly discovered peers into dial
// attempts.
func (o *PeerOrchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.ctx = ctx
	o.cancel = cancel

	ln, err := net.Listen("tcp", o.cfg.ListenAddr)
	if err != nil {
		cancel()
		return fmt.Errorf("orchestrator: listen on %s: %w", o.cfg.ListenAddr, err)
	}
	o.listener = ln

	if err := o.discovery.Start(ctx); err != nil {
		ln.Close()
		cancel()
		return fmt.Errorf("orchestrator: start discovery: %w", err)
	}

	o.resilience.Start(ctx)

	if o.directory != nil {
		host, port, err := splitHostPort(ln.Addr().String())
		if err == nil {
			if o.natProbe != nil {
				if ext, probeErr := o.natProbe.Discover(); probeErr == nil && ext != nil {
					host, port = ext.Host, ext.Port
				} else if probeErr != nil {
					o.log.Debug("external address probe failed, registering bind address", "err", probeErr)
				}
			}
			if regErr := o.directory.Register(ctx, o.identity.PeerID.String(), host, port); regErr != nil {
				o.log.Warn("directory register failed", "err", regErr)
			}
		}
	}

	o.wg.Add(2)
	go o.acceptLoop()
	go o.maintenanceLoop()

	o.log.Info("orchestrator started", "listen", ln.Addr().String())
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// Stop tears down every background loop, persists in-flight transfer
// state, closes connections, and flushes the keystore. Matches the
// teacher's Agent.Stop: cancel, close sockets, wg.Wait, then release.
func (o *PeerOrchestrator) Stop() {
	o.log.Info("orchestrator stopping")
	if o.cancel != nil {
		o.cancel()
	}

	o.resilience.Stop()
	o.discovery.Stop()
	if o.listener != nil {
		o.listener.Close()
	}

	o.persistInFlightTransfers()

	o.mu.Lock()
	for _, c := range o.conns {
		c.Close()
	}
	o.mu.Unlock()

	o.wg.Wait()
	o.bus.Close()
	o.ks.Close()
	o.log.Info("orchestrator stopped")
}

// persistInFlightTransfers writes every active inbound receiver's state
// to disk, the same on-cancel save discipline spec.md §5 requires of
// transfer cancellation.
func (o *PeerOrchestrator) persistInFlightTransfers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, in := range o.inbound {
		state := in.receiver.State()
		if err := transfer.SaveState(in.statePath, state); err != nil {
			o.log.Error("persist transfer state on shutdown", "transfer_id", id, "err", err)
		}
	}
}

// --- inbound ---

func (o *PeerOrchestrator) acceptLoop() {
	defer o.wg.Done()
	for {
		conn, err := o.listener.Accept()
		if err != nil {
			if o.ctx.Err() != nil {
				return
			}
			o.log.Error("accept error", "err", err)
			continue
		}
		o.wg.Add(1)
		go o.handleInbound(conn)
	}
}

func (o *PeerOrchestrator) handleInbound(conn net.Conn) {
	defer o.wg.Done()
	priv, pub := o.staticKeys.Current()

	conn.SetDeadline(time.Now().Add(o.cfg.DialTimeout))
	channel, err := handshakeOverConn(conn, noise.RoleResponder, priv, pub)
	if err != nil {
		o.log.Debug("inbound handshake failed", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		o.bus.Emit(eventbus.NetworkError, map[string]any{"reason": err.Error(), "remote": conn.RemoteAddr().String()})
		return
	}
	conn.SetDeadline(time.Time{})

	remoteStatic, _ := channel.RemoteStaticKey()
	c := &Connection{conn: conn, channel: channel, remoteSK: remoteStatic}

	conn.SetDeadline(time.Now().Add(o.cfg.DialTimeout))
	peerID, err := o.exchangeHello(c)
	if err != nil {
		o.log.Debug("inbound hello exchange failed", "remote", conn.RemoteAddr(), "err", err)
		c.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	c.peerID = peerID

	o.registerConnection(peerID, c)
	o.bus.Emit(eventbus.PeerConnected, map[string]any{"peer_id": peerID, "remote": conn.RemoteAddr().String(), "inbound": true})

	o.serveConnection(c)
}

// exchangeHello binds a verified long-term identity peer-id to an
// already-transport-ready Connection: each side signs the session's
// handshake hash with its Identity key and sends the result alongside
// its peer-id and public key; each side verifies the other's signature
// and that the claimed peer-id actually derives from the claimed key
// before trusting it. Both sides send before either reads, since the
// underlying TCP connection is full-duplex and the hello payload is
// small enough to never block on the peer's receive buffer.
func (o *PeerOrchestrator) exchangeHello(c *Connection) (string, error) {
	hash, ok := c.channel.HandshakeHash()
	if !ok {
		return "", fmt.Errorf("orchestrator: handshake hash unavailable before transport")
	}

	sig := o.identity.Sign(hash[:])
	out := wireMessage{Type: msgHello, Hello: &helloPayload{
		PeerID:         o.identity.PeerID.String(),
		IdentityPubKey: hex.EncodeToString(o.identity.PublicKey),
		Signature:      hex.EncodeToString(sig),
	}}
	if err := c.Send(out); err != nil {
		return "", fmt.Errorf("orchestrator: send hello: %w", err)
	}

	in, err := c.Recv()
	if err != nil {
		return "", fmt.Errorf("orchestrator: recv hello: %w", err)
	}
	if in.Type != msgHello || in.Hello == nil {
		return "", fmt.Errorf("orchestrator: expected hello, got %q", in.Type)
	}

	pubKey, err := hex.DecodeString(in.Hello.IdentityPubKey)
	if err != nil {
		return "", fmt.Errorf("orchestrator: malformed hello pubkey: %w", err)
	}
	sigBytes, err := hex.DecodeString(in.Hello.Signature)
	if err != nil {
		return "", fmt.Errorf("orchestrator: malformed hello signature: %w", err)
	}
	if result := identity.Verify(hash[:], sigBytes, pubKey); result != identity.VerifyValid {
		return "", fmt.Errorf("orchestrator: hello signature %v", result)
	}
	derived := identity.DerivePeerID(pubKey).String()
	if derived != in.Hello.PeerID {
		return "", fmt.Errorf("orchestrator: hello peer-id %s does not match its own public key", in.Hello.PeerID)
	}
	return derived, nil
}

func (o *PeerOrchestrator) registerConnection(peerID string, c *Connection) {
	o.mu.Lock()
	if old, ok := o.conns[peerID]; ok {
		old.Close()
	}
	o.conns[peerID] = c
	o.mu.Unlock()
}

func (o *PeerOrchestrator) dropConnection(peerID string) {
	o.mu.Lock()
	delete(o.conns, peerID)
	o.mu.Unlock()
	o.bus.Emit(eventbus.PeerDisconnected, map[string]any{"peer_id": peerID})
}

// serveConnection reads messages off c until it errors out or the
// orchestrator shuts down; it is the sole reader for this Connection,
// satisfying spec.md §5's single-consumer ordering requirement.
func (o *PeerOrchestrator) serveConnection(c *Connection) {
	defer func() {
		c.Close()
		o.dropConnection(c.peerID)
	}()
	for {
		msg, err := c.Recv()
		if err != nil {
			if o.ctx.Err() == nil {
				o.log.Debug("connection closed", "peer_id", c.peerID, "err", err)
			}
			return
		}
		o.dispatch(c, msg)
	}
}

func (o *PeerOrchestrator) dispatch(c *Connection, msg wireMessage) {
	switch msg.Type {
	case msgTransferStart:
		o.handleTransferStart(c, msg.TransferStart)
	case msgChunk:
		o.handleChunk(c, msg.Chunk)
	case msgChunkAck:
		o.handleChunkAck(msg.ChunkAck)
	case msgTransferComplete:
		o.handleTransferComplete(msg.Complete)
	case msgPing:
		c.Send(wireMessage{Type: msgPong})
	case msgPong:
		// RTT accounting happens via chunk acks; pong is a liveness probe only.
	default:
		o.log.Debug("unknown message type", "type", msg.Type, "peer_id", c.peerID)
	}
}

func (o *PeerOrchestrator) handleTransferStart(c *Connection, p *transferStartPayload) {
	if p == nil {
		return
	}
	root, err := hex.DecodeString(p.MerkleRoot)
	if err != nil || len(root) != transfer.HashSize {
		o.log.Warn("transfer_start with malformed root", "transfer_id", p.TransferID, "peer_id", c.peerID)
		return
	}
	var expected transfer.Hash
	copy(expected[:], root)

	destPath := filepath.Join(o.cfg.StatePath, "incoming", p.TransferID+".bin")
	receiver, err := transfer.StartReceive(o.log, p.TransferID, destPath, expected, p.TotalChunks, p.ChunkSize)
	if err != nil {
		o.log.Error("start receive", "transfer_id", p.TransferID, "err", err)
		o.bus.Emit(eventbus.TransferFailed, map[string]any{"transfer_id": p.TransferID, "reason": err.Error()})
		return
	}

	statePath := filepath.Join(o.cfg.StatePath, p.TransferID+".state.json")
	o.mu.Lock()
	o.inbound[p.TransferID] = &inboundTransfer{receiver: receiver, statePath: statePath}
	o.mu.Unlock()

	o.bus.Emit(eventbus.TransferStarted, map[string]any{
		"transfer_id": p.TransferID, "peer_id": c.peerID, "total_chunks": p.TotalChunks,
	})
}

func (o *PeerOrchestrator) handleChunk(c *Connection, p *chunkPayload) {
	if p == nil {
		return
	}
	o.mu.Lock()
	in, ok := o.inbound[p.TransferID]
	o.mu.Unlock()
	if !ok {
		o.log.Debug("chunk for unknown transfer", "transfer_id", p.TransferID)
		return
	}

	proof, err := decodeProof(p.Proof)
	if err != nil {
		o.log.Debug("malformed proof on wire", "transfer_id", p.TransferID, "index", p.Index)
		return
	}

	if err := in.receiver.AcceptChunk(p.Index, p.Bytes, proof, nil); err != nil {
		o.log.Debug("chunk rejected", "transfer_id", p.TransferID, "index", p.Index, "err", err)
		return
	}

	c.Send(wireMessage{Type: msgChunkAck, ChunkAck: &chunkAckPayload{TransferID: p.TransferID, Index: p.Index}})

	o.bus.Emit(eventbus.TransferProgress, map[string]any{
		"transfer_id": p.TransferID, "progress": in.receiver.Progress(),
	})

	if in.receiver.Complete() {
		if err := in.receiver.VerifyCompleteFile(); err != nil {
			o.log.Error("transfer completed but failed verification", "transfer_id", p.TransferID, "err", err)
			o.bus.Emit(eventbus.TransferFailed, map[string]any{"transfer_id": p.TransferID, "reason": err.Error()})
			return
		}
		c.Send(wireMessage{Type: msgTransferComplete, Complete: &transferCompletePayload{TransferID: p.TransferID}})
		o.mu.Lock()
		delete(o.inbound, p.TransferID)
		o.mu.Unlock()
		o.bus.Emit(eventbus.TransferCompleted, map[string]any{"transfer_id": p.TransferID})
	}
}

func (o *PeerOrchestrator) handleChunkAck(p *chunkAckPayload) {
	if p == nil {
		return
	}
	o.mu.Lock()
	out, ok := o.outbound[p.TransferID]
	o.mu.Unlock()
	if !ok {
		return
	}
	out.sender.MarkAcked(p.Index)
	out.sender.FlowController().Ack(p.Index)
	if rtt := out.sender.FlowController().MeanRTT(); rtt > 0 {
		o.resilience.RecordRTT(out.peerID, rtt)
	}
}

func (o *PeerOrchestrator) handleTransferComplete(p *transferCompletePayload) {
	if p == nil {
		return
	}
	o.mu.Lock()
	out, ok := o.outbound[p.TransferID]
	if ok {
		delete(o.outbound, p.TransferID)
	}
	o.mu.Unlock()
	if ok {
		o.resilience.RecordTransferAttempt(out.peerID, true)
		out.done <- nil
	}
	o.bus.Emit(eventbus.TransferCompleted, map[string]any{"transfer_id": p.TransferID})
}

// --- outbound ---

// reconnectPeer is the resilience controller's reconnectFn: one dial
// attempt against whatever address the directory or discovery cache has
// for peerID.
func (o *PeerOrchestrator) reconnectPeer(ctx context.Context, peerID string) error {
	addr, err := o.resolvePeerAddr(ctx, peerID)
	if err != nil {
		return err
	}
	_, err = o.Dial(ctx, peerID, addr)
	return err
}

func (o *PeerOrchestrator) resolvePeerAddr(ctx context.Context, peerID string) (string, error) {
	for _, p := range o.discovery.Peers() {
		if p.PeerID == peerID {
			return p.Addr.String(), nil
		}
	}
	if o.directory != nil {
		rec, err := o.directory.Find(ctx, peerID)
		if err != nil {
			return "", err
		}
		if rec != nil {
			return net.JoinHostPort(rec.Address, strconv.Itoa(rec.Port)), nil
		}
	}
	return "", fmt.Errorf("orchestrator: no known address for peer %s", peerID)
}

// Dial opens an outbound connection to addr, runs the initiator side of
// the Noise handshake, and registers the resulting Connection.
func (o *PeerOrchestrator) Dial(ctx context.Context, peerID, addr string) (*Connection, error) {
	dialer := net.Dialer{Timeout: o.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		o.resilience.RecordConnectionAttempt(peerID, false)
		return nil, fmt.Errorf("orchestrator: dial %s: %w", addr, err)
	}

	priv, pub := o.staticKeys.Current()
	conn.SetDeadline(time.Now().Add(o.cfg.DialTimeout))
	channel, err := handshakeOverConn(conn, noise.RoleInitiator, priv, pub)
	if err != nil {
		conn.Close()
		o.resilience.RecordConnectionAttempt(peerID, false)
		return nil, fmt.Errorf("orchestrator: handshake with %s: %w", addr, err)
	}

	remoteStatic, _ := channel.RemoteStaticKey()
	c := &Connection{conn: conn, channel: channel, remoteSK: remoteStatic}

	verifiedPeerID, err := o.exchangeHello(c)
	if err != nil {
		conn.Close()
		o.resilience.RecordConnectionAttempt(peerID, false)
		return nil, fmt.Errorf("orchestrator: hello exchange with %s: %w", addr, err)
	}
	if verifiedPeerID != peerID {
		conn.Close()
		o.resilience.RecordConnectionAttempt(peerID, false)
		return nil, fmt.Errorf("orchestrator: dialed peer-id %s but hello claims %s", peerID, verifiedPeerID)
	}
	conn.SetDeadline(time.Time{})
	c.peerID = peerID

	o.registerConnection(peerID, c)
	o.resilience.RecordConnectionAttempt(peerID, true)
	o.bus.Emit(eventbus.PeerConnected, map[string]any{"peer_id": peerID, "remote": addr, "inbound": false})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.serveConnection(c)
	}()

	return c, nil
}

// SendFile chunks the file at path, negotiates chunk size against the
// peer's declared maximum, and drives the sender side of a transfer to
// completion over an already-established Connection.
func (o *PeerOrchestrator) SendFile(ctx context.Context, peerID, path string, peerMaxChunk int) error {
	o.mu.Lock()
	c, ok := o.conns[peerID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: no connection to peer %s", peerID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("orchestrator: read %s: %w", path, err)
	}

	chunkSize := transfer.NegotiateChunkSize(o.cfg.ChunkSize, peerMaxChunk)
	sender := transfer.NewSender(o.log, data, chunkSize)
	transferID := transfer.NewTransferID()
	out := &outboundTransfer{sender: sender, peerID: peerID, done: make(chan error, 1)}

	o.mu.Lock()
	o.outbound[transferID] = out
	o.mu.Unlock()
	cleanup := func() {
		o.mu.Lock()
		delete(o.outbound, transferID)
		o.mu.Unlock()
	}

	root := sender.Root()
	if err := c.Send(wireMessage{Type: msgTransferStart, TransferStart: &transferStartPayload{
		TransferID:  transferID,
		TotalChunks: sender.TotalChunks(),
		ChunkSize:   chunkSize,
		MerkleRoot:  hex.EncodeToString(root[:]),
		FileSize:    int64(len(data)),
	}}); err != nil {
		cleanup()
		return fmt.Errorf("orchestrator: send transfer_start: %w", err)
	}
	o.bus.Emit(eventbus.TransferStarted, map[string]any{"transfer_id": transferID, "peer_id": peerID, "total_chunks": sender.TotalChunks()})

	fc := sender.FlowController()
	ctxDone := ctx.Done()
	for index := 0; index < sender.TotalChunks(); index++ {
		if !fc.Acquire(ctxDone) {
			cleanup()
			o.resilience.RecordTransferAttempt(peerID, false)
			return ctx.Err()
		}
		chunk, proof, err := sender.ChunkAndProof(index)
		if err != nil {
			cleanup()
			return fmt.Errorf("orchestrator: chunk %d: %w", index, err)
		}
		fc.Send(index)
		if err := c.Send(wireMessage{Type: msgChunk, Chunk: &chunkPayload{
			TransferID: transferID,
			Index:      chunk.Index,
			Bytes:      chunk.Bytes,
			Proof:      encodeProof(proof),
		}}); err != nil {
			cleanup()
			o.resilience.RecordTransferAttempt(peerID, false)
			return fmt.Errorf("orchestrator: send chunk %d: %w", index, err)
		}
	}

	select {
	case err := <-out.done:
		if err != nil {
			o.resilience.RecordTransferAttempt(peerID, false)
		}
		return err
	case <-ctxDone:
		cleanup()
		o.resilience.RecordTransferAttempt(peerID, false)
		return ctx.Err()
	}
}

func (o *PeerOrchestrator) maintenanceLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			for _, p := range o.discovery.Peers() {
				o.mu.Lock()
				_, connected := o.conns[p.PeerID]
				o.mu.Unlock()
				if !connected {
					o.resilience.ScheduleReconnect(o.ctx, p.PeerID)
				}
			}
		}
	}
}
