// Package helpers provides shared test setup for black-box custody tests.
package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/share-custody/internal/api"
	"github.com/better-wallet/share-custody/internal/custody"
	"github.com/better-wallet/share-custody/internal/envelope"
	"github.com/better-wallet/share-custody/internal/sharestore"
	"github.com/better-wallet/share-custody/internal/signer"
	"github.com/better-wallet/share-custody/internal/verification"
	"github.com/better-wallet/share-custody/pkg/types"
)

// CheapParams keeps argon2id fast in tests
var CheapParams = envelope.Params{Time: 1, MemoryKiB: 64, Threads: 1, KeyLength: 16, SaltSize: 16, NonceSize: 12}

// Custody bundles a running custody stack over in-memory stores
type Custody struct {
	Engine   *custody.Engine
	Handler  http.Handler
	Hot      sharestore.Backend
	Cold     sharestore.Backend
	Registry *prometheus.Registry
}

// NewCustody builds an engine and HTTP handler over fresh memory stores
func NewCustody(t *testing.T, policy types.EncryptionPolicy) *Custody {
	t.Helper()

	c, err := envelope.New(CheapParams)
	require.NoError(t, err)

	hot, cold := sharestore.NewMemory("hot"), sharestore.NewMemory("cold")
	reg := prometheus.NewRegistry()
	eth := signer.NewEthereum()

	engine, err := custody.NewEngine(custody.Options{
		Cipher:  c,
		Stores:  sharestore.NewGateway(hot, cold, sharestore.NewMetrics(reg)),
		Signer:  eth,
		Policy:  policy,
		Metrics: custody.NewMetrics(reg),
	})
	require.NoError(t, err)

	handler := api.NewServer(engine, verification.NewService(eth), api.Options{Gatherer: reg}).Router()
	return &Custody{Engine: engine, Handler: handler, Hot: hot, Cold: cold, Registry: reg}
}

// PostJSON sends body to path and decodes the response envelope
func PostJSON(t *testing.T, h http.Handler, path string, body any) (*httptest.ResponseRecorder, api.Response) {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp api.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "body: %s", rec.Body.String())
	return rec, resp
}

// DataField returns a string field of a successful response's data
func DataField(t *testing.T, resp api.Response, field string) string {
	t.Helper()
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "response has no data object: %+v", resp)
	value, ok := data[field].(string)
	require.True(t, ok, "data has no %q string field", field)
	return value
}

// NewTestContext creates a context with timeout for tests.
func NewTestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertErrorResponse checks that an HTTP response is an error with expected status.
func AssertErrorResponse(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	require.Equal(t, expectedStatus, resp.Code,
		"Expected status %d, got %d. Body: %s",
		expectedStatus, resp.Code, resp.Body.String())
}

// AssertSuccessResponse checks that an HTTP response is successful (2xx).
func AssertSuccessResponse(t *testing.T, resp *httptest.ResponseRecorder) {
	t.Helper()
	require.True(t, resp.Code >= 200 && resp.Code < 300,
		"Expected success status (2xx), got %d. Body: %s",
		resp.Code, resp.Body.String())
}

// AssertNoSecrets checks that none of secrets appears in s
func AssertNoSecrets(t *testing.T, s string, secrets ...string) {
	t.Helper()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		assert.False(t, strings.Contains(s, secret), "output leaks a secret value")
	}
}
