package sharestore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kvEntry struct {
	data    map[string]interface{}
	version int
}

// fakeKV is a minimal Vault server: token lookup, AppRole login and a KV v2 engine at secret/
type fakeKV struct {
	mu      sync.Mutex
	entries map[string]*kvEntry
	tokens  map[string]bool
	writes  int
	paths   []string
}

func newFakeKV(t *testing.T) (*fakeKV, *httptest.Server) {
	t.Helper()
	kv := &fakeKV{
		entries: make(map[string]*kvEntry),
		tokens:  map[string]bool{"root-token": true},
	}
	server := httptest.NewServer(http.HandlerFunc(kv.serve))
	t.Cleanup(server.Close)
	return kv, server
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (kv *fakeKV) serve(w http.ResponseWriter, r *http.Request) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.paths = append(kv.paths, r.Method+" "+r.URL.Path)

	if r.URL.Path == "/v1/auth/approle/login" {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["role_id"] != "role" || req["secret_id"] != "secret" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": []string{"invalid role or secret ID"}})
			return
		}
		kv.tokens["approle-token"] = true
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"auth": map[string]interface{}{"client_token": "approle-token"},
		})
		return
	}

	if !kv.tokens[r.Header.Get("X-Vault-Token")] {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"errors": []string{"permission denied"}})
		return
	}

	switch {
	case r.URL.Path == "/v1/auth/token/lookup-self":
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"id": "token"}})

	case strings.HasPrefix(r.URL.Path, "/v1/secret/data/"):
		key := strings.TrimPrefix(r.URL.Path, "/v1/secret/data/")
		switch r.Method {
		case http.MethodGet:
			entry, ok := kv.entries[key]
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"data": map[string]interface{}{
					"data":     entry.data,
					"metadata": map[string]interface{}{"version": entry.version},
				},
			})
		case http.MethodPut, http.MethodPost:
			var req struct {
				Data    map[string]interface{} `json:"data"`
				Options map[string]interface{} `json:"options"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			current := 0
			if entry, ok := kv.entries[key]; ok {
				current = entry.version
			}
			if cas, ok := req.Options["cas"].(float64); ok && int(cas) != current {
				writeJSON(w, http.StatusBadRequest, map[string]interface{}{
					"errors": []string{"check-and-set parameter did not match the current version"},
				})
				return
			}
			kv.writes++
			kv.entries[key] = &kvEntry{data: req.Data, version: current + 1}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"data": map[string]interface{}{"version": current + 1},
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}

	case strings.HasPrefix(r.URL.Path, "/v1/secret/metadata/") && r.Method == http.MethodDelete:
		delete(kv.entries, strings.TrimPrefix(r.URL.Path, "/v1/secret/metadata/"))
		w.WriteHeader(http.StatusNoContent)

	default:
		http.NotFound(w, r)
	}
}

func TestVaultBackend_Contract(t *testing.T) {
	_, server := newFakeKV(t)

	v, err := NewVault(context.Background(), VaultConfig{
		Address: server.URL,
		Token:   "root-token",
		Path:    "shares/hot",
	}, nil)
	require.NoError(t, err)

	runBackendContract(t, v)
}

func TestVaultBackend_StoresUnderConfiguredPath(t *testing.T) {
	kv, server := newFakeKV(t)

	v, err := NewVault(context.Background(), VaultConfig{
		Address: server.URL,
		Token:   "root-token",
		Path:    "/shares/cold/",
	}, nil)
	require.NoError(t, err)

	_, err = v.Save(context.Background(), "alice", []byte("share"))
	require.NoError(t, err)

	kv.mu.Lock()
	_, ok := kv.entries["shares/cold/"+recordKey("alice")]
	kv.mu.Unlock()
	assert.True(t, ok)
	assert.Equal(t, "vault://"+server.URL+"/secret/shares/cold", v.LocationURI())
}

func TestVaultBackend_AppRole(t *testing.T) {
	_, server := newFakeKV(t)

	v, err := NewVault(context.Background(), VaultConfig{
		Address:  server.URL,
		RoleID:   "role",
		SecretID: "secret",
		Path:     "shares/hot",
	}, nil)
	require.NoError(t, err)

	_, err = v.Save(context.Background(), "bob", []byte("share"))
	require.NoError(t, err)
}

func TestVaultBackend_AuthenticationFailures(t *testing.T) {
	_, server := newFakeKV(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  VaultConfig
	}{
		{name: "bad token", cfg: VaultConfig{Address: server.URL, Token: "wrong", Path: "p"}},
		{name: "bad approle", cfg: VaultConfig{Address: server.URL, RoleID: "role", SecretID: "nope", Path: "p"}},
		{name: "no credentials", cfg: VaultConfig{Address: server.URL, Path: "p"}},
		{name: "no address", cfg: VaultConfig{Token: "root-token", Path: "p"}},
		{name: "no path", cfg: VaultConfig{Address: server.URL, Token: "root-token"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVault(ctx, tt.cfg, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))
		})
	}
}

func TestVaultBackend_LazyAuthFailureIsConfigurationError(t *testing.T) {
	kv, server := newFakeKV(t)

	lazy := NewLazy("hot", "vault://test", NewVaultConnector(VaultConfig{
		Address: server.URL,
		Token:   "revoked",
		Path:    "shares/hot",
	}, nil), nil)

	_, err := lazy.Save(context.Background(), "carol", []byte("share"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))

	kv.mu.Lock()
	assert.Equal(t, 0, kv.writes)
	kv.mu.Unlock()
}

func TestVaultBackend_UserIDsStayUnderConfiguredPath(t *testing.T) {
	kv, server := newFakeKV(t)
	ctx := context.Background()

	v, err := NewVault(ctx, VaultConfig{Address: server.URL, Token: "root-token", Path: "shares/hot"}, nil)
	require.NoError(t, err)

	ids := []string{"../../../sys/policies/acl/pwn", "victim/../other", "other", "..", "a%2F..%2Fb", "x?y#z"}
	for i, id := range ids {
		_, err := v.Save(ctx, id, []byte{byte(i)})
		require.NoError(t, err, id)
	}
	require.NoError(t, v.Delete(ctx, "../../../sys/policies/acl/pwn"))

	for i, id := range ids[1:] {
		rec, err := v.Get(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, []byte{byte(i + 1)}, rec.Value, id)
	}
	_, err = v.Get(ctx, ids[0])
	assert.True(t, errors.Is(err, ErrNotFound))

	kv.mu.Lock()
	defer kv.mu.Unlock()
	assert.Len(t, kv.entries, len(ids)-1)
	for _, p := range kv.paths {
		if strings.HasSuffix(p, "/v1/auth/token/lookup-self") {
			continue
		}
		_, path, _ := strings.Cut(p, " ")
		assert.True(t,
			strings.HasPrefix(path, "/v1/secret/data/shares/hot/") || strings.HasPrefix(path, "/v1/secret/metadata/shares/hot/"),
			"request escaped the store path: %s", p)
		rest := path[strings.LastIndex(path, "shares/hot/")+len("shares/hot/"):]
		assert.NotContains(t, rest, "/", "record key spans segments: %s", p)
	}
}

func TestVaultBackend_UnreachableIsNotConfigurationError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	_, err := NewVault(context.Background(), VaultConfig{Address: addr, Token: "root-token", Path: "p"}, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConfiguration))

	lazy := NewLazy("hot", "vault://down", NewVaultConnector(VaultConfig{Address: addr, Token: "root-token", Path: "p"}, nil), nil)
	_, err = lazy.Get(context.Background(), "user")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConfiguration))
}
