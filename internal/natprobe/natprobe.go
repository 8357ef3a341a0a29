// Package natprobe implements the ExternalAddressProbe collaborator
// (spec.md §6): STUN-based discovery of a peer's externally-visible
// address/port, plus an optional ICE agent for ordinary candidate
// gathering when a direct path needs negotiating through a NAT.
// Grounded on the teacher's internal/vl1/nat.go, narrowed from a VL2
// tunnel's full ICE/TURN relay setup to the bare discover() shape the
// orchestrator's collaborator interface expects.
package natprobe

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
)

const stunTimeout = 5 * time.Second

// ExternalAddress is the {host, port} pair spec.md §6 names as the
// return shape of ExternalAddressProbe.discover().
type ExternalAddress struct {
	Host string
	Port int
}

// TURNServer holds TURN relay credentials, used only by CreateICEAgent.
type TURNServer struct {
	URL      string
	Username string
	Password string
}

// Prober discovers a host's externally-visible address via one or more
// STUN servers, and can build a pion/ice agent when full ICE candidate
// negotiation (not just a single reflexive address) is needed.
type Prober struct {
	stunServers []string
	turnServers []TURNServer
	log         *slog.Logger
}

// New constructs a Prober over the given STUN servers (URI form, e.g.
// "stun:host:port")
// and optional TURN relays for ICE gathering.
func New(stunServers []string, turnServers []TURNServer, log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		stunServers: stunServers,
		turnServers: turnServers,
		log:         log.With("component", "natprobe"),
	}
}

// Discover tries each configured STUN server in turn and returns the
// first externally-visible address observed. Returns an error only if
// every server fails — matching the ExternalAddressProbe contract of
// "an address, or nothing usable right now".
func (p *Prober) Discover() (*ExternalAddress, error) {
	if len(p.stunServers) == 0 {
		return nil, fmt.Errorf("natprobe: no STUN servers configured")
	}

	var lastErr error
	for _, server := range p.stunServers {
		addr, err := stunDiscover(server)
		if err != nil {
			p.log.Debug("stun probe failed", "server", server, "err", err)
			lastErr = err
			continue
		}
		p.log.Info("discovered external address", "addr", addr, "server", server)
		return &ExternalAddress{Host: addr.IP.String(), Port: addr.Port}, nil
	}
	return nil, fmt.Errorf("natprobe: all stun servers failed: %w", lastErr)
}

// CreateICEAgent builds a pion/ice agent configured with the prober's
// STUN/TURN servers, for callers that need full candidate gathering
// rather than a single reflexive address.
func (p *Prober) CreateICEAgent() (*ice.Agent, error) {
	urls := make([]*stun.URI, 0, len(p.stunServers)+len(p.turnServers))
	for _, s := range p.stunServers {
		u, err := stun.ParseURI(s)
		if err != nil {
			p.log.Debug("parse stun uri", "uri", s, "err", err)
			continue
		}
		urls = append(urls, u)
	}
	for _, t := range p.turnServers {
		u, err := stun.ParseURI(t.URL)
		if err != nil {
			p.log.Debug("parse turn uri", "uri", t.URL, "err", err)
			continue
		}
		u.Username = t.Username
		u.Password = t.Password
		urls = append(urls, u)
	}

	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:                urls,
		NetworkTypes:        []ice.NetworkType{ice.NetworkTypeUDP4},
		CandidateTypes:      []ice.CandidateType{ice.CandidateTypeHost, ice.CandidateTypeServerReflexive, ice.CandidateTypeRelay},
		DisconnectedTimeout: ptrDuration(10 * time.Second),
		FailedTimeout:       ptrDuration(30 * time.Second),
		KeepaliveInterval:   ptrDuration(2 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("natprobe: create ice agent: %w", err)
	}
	return agent, nil
}

func ptrDuration(d time.Duration) *time.Duration {
	return &d
}

// stunDiscover performs a single STUN binding request/response round
// trip against a server given in URI form (e.g. "stun:stun.l.google.com:19302",
// the same form DefaultConfig and CreateICEAgent use) and extracts the
// mapped address. The scheme is parsed off with stun.ParseURI rather than
// dialing the URI string directly, since a bare net.DialTimeout split on
// the last colon would treat "stun:host" as the hostname.
func stunDiscover(serverURI string) (*net.UDPAddr, error) {
	u, err := stun.ParseURI(serverURI)
	if err != nil {
		return nil, fmt.Errorf("natprobe: parse stun uri %q: %w", serverURI, err)
	}
	serverAddr := net.JoinHostPort(u.Host, strconv.Itoa(u.Port))

	conn, err := net.DialTimeout("udp", serverAddr, stunTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	conn.SetDeadline(time.Now().Add(stunTimeout))
	if _, err := conn.Write(msg.Raw); err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}

	resp := new(stun.Message)
	resp.Raw = buf[:n]
	if err := resp.Decode(); err != nil {
		return nil, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}

	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(resp); err != nil {
		return nil, fmt.Errorf("natprobe: no mapped address in stun response")
	}
	return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
}
