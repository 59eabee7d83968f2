// ABOUTME: Tests for gateway construction and health endpoints.
// ABOUTME: Exercises component wiring without opening network listeners.

package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-mcp/courier/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Matrix: config.MatrixConfig{
			Homeserver:     "https://matrix.example.org",
			UserID:         "@courier:example.org",
			AccessToken:    "syt_test",
			RoomID:         "!room:example.org",
			AuthorizedUser: "@human:example.org",
		},
		Conversation: config.ConversationConfig{
			HistoryCapacity:    50,
			DefaultWaitTimeout: 30 * time.Second,
		},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(gw.conversation.Shutdown)
	return gw
}

func TestNew_WiresComponents(t *testing.T) {
	gw := newTestGateway(t, testConfig())

	assert.NotNil(t, gw.conversation)
	assert.NotNil(t, gw.bridge)
	assert.NotNil(t, gw.mcpServer)
	assert.NotNil(t, gw.httpServer)
	assert.Nil(t, gw.tsnetServer)
}

func TestNew_ProvisionsAccessTokens(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Required = true
	cfg.Auth.AccessTokens = []string{"token-one", "token-two"}

	gw := newTestGateway(t, cfg)
	assert.Equal(t, 2, gw.mcpTokens.Len())
}

func TestNew_JWTSecretEnablesVerifier(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Required = true
	cfg.Auth.JWTSecret = "secret"

	gw := newTestGateway(t, cfg)
	assert.NotNil(t, gw.mcpServer)
}

func TestGateway_HandleHealth_AlwaysOK(t *testing.T) {
	gw := newTestGateway(t, testConfig())

	w := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestGateway_HandleReady_UnavailableBeforeSync(t *testing.T) {
	gw := newTestGateway(t, testConfig())

	w := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGateway_MCPEndpointRegistered(t *testing.T) {
	gw := newTestGateway(t, testConfig())

	body := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	r := httptest.NewRequest(http.MethodPost, "/mcp", body)

	w := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Mcp-Session-Id"))
}
