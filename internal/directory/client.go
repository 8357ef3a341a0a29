package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	watchReconnectDelay    = 5 * time.Second
	watchMaxReconnectDelay = 60 * time.Second
	clientRequestTimeout   = 10 * time.Second
)

// Record is the lookup result shape spec.md §6 names:
// {peer_id, address, port}.
type Record struct {
	PeerID    string `json:"peer_id"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	PublicKey string `json:"public_key,omitempty"`
	Platform  string `json:"platform,omitempty"`
}

// Client implements the PeerDirectory collaborator interface
// (spec.md §6) against a remote Server over plain HTTP for
// find/register, and over a reconnecting websocket for live peer
// events — the same reconnect-loop shape as the teacher's
// ControllerClient.Run, narrowed from "join a virtual network" to
// "watch the registry for changes".
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient builds a Client talking to a directory server at baseURL
// (e.g. "http://directory.example.com:8090").
func NewClient(baseURL string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: clientRequestTimeout},
		log:     log.With("component", "directory-client"),
	}
}

// Find looks up a peer_id, returning (nil, nil) if the registry has no
// record for it rather than an error — spec.md §6's "?" return shape.
func (c *Client) Find(ctx context.Context, peerID string) (*Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/peers/"+peerID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: find %s: %w", peerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("directory: find %s: status %d: %s", peerID, resp.StatusCode, body)
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("directory: decode find response: %w", err)
	}
	return &rec, nil
}

// Register publishes this peer's reachable address to the directory.
func (c *Client) Register(ctx context.Context, peerID, address string, port int) error {
	body, err := json.Marshal(registerRequest{PeerID: peerID, Address: address, Port: port})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/peers", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory: register %s: %w", peerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("directory: register %s: status %d: %s", peerID, resp.StatusCode, respBody)
	}
	return nil
}

// Watch connects to the directory's push channel and invokes onEvent
// for every PeerEvent received, reconnecting with doubling backoff
// until ctx is cancelled.
func (c *Client) Watch(ctx context.Context, onEvent func(PeerEvent)) {
	delay := watchReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.watchOnce(ctx, onEvent); err != nil {
			c.log.Warn("directory watch connection lost", "err", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > watchMaxReconnectDelay {
				delay = watchMaxReconnectDelay
			}
			continue
		}
		delay = watchReconnectDelay
	}
}

func (c *Client) watchOnce(ctx context.Context, onEvent func(PeerEvent)) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/v1/peers/watch"
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial directory watch: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var ev PeerEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("read directory event: %w", err)
		}
		onEvent(ev)
	}
}
