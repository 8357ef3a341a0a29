package natprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverRejectsEmptyServerList(t *testing.T) {
	p := New(nil, nil, nil)
	_, err := p.Discover()
	assert.Error(t, err)
}

func TestDiscoverReturnsLastErrorWhenAllServersFail(t *testing.T) {
	// Nothing answers on loopback port 1, so Discover must report the
	// failure rather than hang or panic.
	if testing.Short() {
		t.Skip("skipping slow stun-timeout probe in short mode")
	}
	p := New([]string{"stun:127.0.0.1:1"}, nil, nil)
	_, err := p.Discover()
	assert.Error(t, err)
}

func TestCreateICEAgentBuildsWithValidStunURI(t *testing.T) {
	p := New([]string{"stun:stun.example.com:3478"}, nil, nil)
	agent, err := p.CreateICEAgent()
	require.NoError(t, err)
	require.NotNil(t, agent)
	defer agent.Close()
}

func TestCreateICEAgentSkipsUnparseableURIs(t *testing.T) {
	p := New([]string{"not a valid uri", "stun:stun.example.com:3478"}, nil, nil)
	agent, err := p.CreateICEAgent()
	require.NoError(t, err)
	require.NotNil(t, agent)
	defer agent.Close()
}

func TestCreateICEAgentIncludesTurnCredentials(t *testing.T) {
	p := New(
		[]string{"stun:stun.example.com:3478"},
		[]TURNServer{{URL: "turn:turn.example.com:3478", Username: "u", Password: "p"}},
		nil,
	)
	agent, err := p.CreateICEAgent()
	require.NoError(t, err)
	require.NotNil(t, agent)
	defer agent.Close()
}
