package directory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		Database:  "sqlite://" + filepath.Join(dir, "directory.db"),
		JWTSecret: "test-secret",
		Admin:     AdminConfig{Username: "admin", Password: "admin-pass"},
	}
	s, err := New(cfg, nil)
	require.NoError(t, err)
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestEnsureAdminUserSeedsOneAccount(t *testing.T) {
	s := newTestServer(t)
	var count int64
	s.db.Model(&AdminUser{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestLoginSucceedsWithSeededAdmin(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/login", loginRequest{
		Username: "admin", Password: "admin-pass",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["token"])
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/login", loginRequest{
		Username: "admin", Password: "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterThenFindRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/peers", registerRequest{
		PeerID: "peer-1", Address: "203.0.113.5", Port: 4242,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	findRec := doJSON(t, s, http.MethodGet, "/api/v1/peers/peer-1", nil, nil)
	require.Equal(t, http.StatusOK, findRec.Code)

	var peer Peer
	require.NoError(t, json.Unmarshal(findRec.Body.Bytes(), &peer))
	assert.Equal(t, "peer-1", peer.PeerID)
	assert.Equal(t, "203.0.113.5", peer.Address)
	assert.Equal(t, 4242, peer.Port)
}

func TestFindUnknownPeerReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/peers/does-not-exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterIsIdempotentPerPeerID(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/api/v1/peers", registerRequest{
		PeerID: "peer-2", Address: "10.0.0.1", Port: 1,
	}, nil)
	doJSON(t, s, http.MethodPost, "/api/v1/peers", registerRequest{
		PeerID: "peer-2", Address: "10.0.0.2", Port: 2,
	}, nil)

	var count int64
	s.db.Model(&Peer{}).Where("peer_id = ?", "peer-2").Count(&count)
	assert.Equal(t, int64(1), count)

	var peer Peer
	require.NoError(t, s.db.First(&peer, "peer_id = ?", "peer-2").Error)
	assert.Equal(t, "10.0.0.2", peer.Address)
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/admin/peers", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminListPeersWithValidToken(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/api/v1/peers", registerRequest{
		PeerID: "peer-3", Address: "10.0.0.3", Port: 3,
	}, nil)

	loginRec := doJSON(t, s, http.MethodPost, "/api/v1/auth/login", loginRequest{
		Username: "admin", Password: "admin-pass",
	}, nil)
	var loginResp map[string]interface{}
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &loginResp))
	token := fmt.Sprintf("%v", loginResp["token"])

	rec := doJSON(t, s, http.MethodGet, "/api/v1/admin/peers", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var peers []Peer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peers))
	assert.Len(t, peers, 1)
}
