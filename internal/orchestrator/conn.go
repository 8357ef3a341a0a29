package orchestrator

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/webfirstlanguage/beenet/internal/noise"
)

// maxFrameSize bounds any single length-prefixed frame this layer will
// read, handshake or transport alike, guarding against a peer claiming
// an absurd length.
const maxFrameSize = 8 * 1024 * 1024

// writeFrame writes a 4-byte big-endian length prefix followed by data.
func writeFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("orchestrator: write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("orchestrator: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("orchestrator: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("orchestrator: read frame body: %w", err)
	}
	return buf, nil
}

// handshakeOverConn drives a noise.Channel's three-message XX pattern
// over length-prefixed frames on conn, matching spec.md §4.4's state
// machine one frame at a time: the initiator writes first, then each
// side alternates read/write until transport is reached.
func handshakeOverConn(conn net.Conn, role noise.Role, staticPriv [noise.DHPrivSize]byte, staticPub [noise.DHKeySize]byte) (*noise.Channel, error) {
	ch := noise.NewChannel()
	first, err := ch.Start(role, staticPriv, staticPub)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: noise start: %w", err)
	}

	if role == noise.RoleInitiator {
		if err := writeFrame(conn, first); err != nil {
			return nil, err
		}
	}

	for ch.State() != noise.StateTransport {
		msg, err := readFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: read handshake frame: %w", err)
		}
		resp, err := ch.Process(msg)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: noise process: %w", err)
		}
		if len(resp) > 0 {
			if err := writeFrame(conn, resp); err != nil {
				return nil, err
			}
		}
	}
	return ch, nil
}

// Connection is one established, Noise-transport-secured link to a
// remote peer, carrying JSON control/transfer messages over
// length-prefixed encrypted frames. Per spec.md §5, encrypt/decrypt on
// a NoiseSession must come from a single producer per direction, so
// Send serializes writers with sendMu and the read loop is the sole
// reader.
type Connection struct {
	conn     net.Conn
	channel  *noise.Channel
	peerID   string
	remoteSK [noise.DHKeySize]byte

	sendMu sync.Mutex
}

// Send encrypts and frames one message.
func (c *Connection) Send(msg wireMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("orchestrator: encode message: %w", err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	ciphertext, err := c.channel.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("orchestrator: encrypt message: %w", err)
	}
	return writeFrame(c.conn, ciphertext)
}

// Recv blocks for the next decrypted message. Only the connection's
// read loop goroutine may call this.
func (c *Connection) Recv() (wireMessage, error) {
	var msg wireMessage
	frame, err := readFrame(c.conn)
	if err != nil {
		return msg, err
	}
	plaintext, err := c.channel.Decrypt(frame)
	if err != nil {
		return msg, fmt.Errorf("orchestrator: decrypt message: %w", err)
	}
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return msg, fmt.Errorf("orchestrator: decode message: %w", err)
	}
	return msg, nil
}

// Close tears down the Noise session and the underlying socket.
func (c *Connection) Close() error {
	c.channel.Close()
	return c.conn.Close()
}
