package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"edu/hyponome/internal/hasher"
	"edu/hyponome/internal/rpc"
)

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func newServer(t *testing.T) *Server {
	t.Helper()
	cfg := hasher.DefaultConfig()
	cfg.MaxPayload = 1024
	cfg.Workers = 2
	svc, err := hasher.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return New(svc, zaptest.NewLogger(t))
}

func TestServeStream(t *testing.T) {
	s := newServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	c, err := rpc.Dial(ctx, "tcp", ln.Addr().String())
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	res, err := c.Hash(ctx, []byte("hello")).Await(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, res.Hex)

	// Shutdown closes the listener and drains the open connection.
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	_, err = c.Hash(context.Background(), []byte("again")).Await(waitCtx)
	assert.ErrorIs(t, err, rpc.ErrClosed)
	_ = c.Close()
}

func newHTTP(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(newServer(t).HTTP(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func TestHealth(t *testing.T) {
	srv := newHTTP(t)

	resp, err := http.Get(srv.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "sha256", body.Algorithm)
}

func TestAlgorithms(t *testing.T) {
	srv := newHTTP(t)

	resp, err := http.Get(srv.URL + "/api/v1/algorithms")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body []algorithmInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body, algorithmInfo{Name: "sha256", Size: 32})
	assert.Contains(t, body, algorithmInfo{Name: "blake3", Size: 32})
}

func TestHashEndpoint(t *testing.T) {
	srv := newHTTP(t)

	tests := []struct {
		name   string
		body   []byte
		status int
		digest string
	}{
		{"hello", []byte("hello"), http.StatusOK, helloSHA256},
		{"empty", nil, http.StatusOK, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"at limit", make([]byte, 1024), http.StatusOK, ""},
		{"over limit", make([]byte, 1025), http.StatusRequestEntityTooLarge, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/v1/hash", "application/octet-stream", bytes.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.status, resp.StatusCode)
			if tt.status != http.StatusOK {
				return
			}

			var body hashResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, "sha256", body.Algorithm)
			assert.Len(t, body.Digest, 64)
			if tt.digest != "" {
				assert.Equal(t, tt.digest, body.Digest)
			}
		})
	}
}

func TestHashEndpointChunkedOverLimit(t *testing.T) {
	srv := newHTTP(t)

	// io.MultiReader hides the length, so the body is sent chunked and the
	// limit is only hit while reading.
	body := io.MultiReader(bytes.NewReader(make([]byte, 4096)))
	resp, err := http.Post(srv.URL+"/api/v1/hash", "application/octet-stream", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHashEndpointClientGone(t *testing.T) {
	e := newServer(t).HTTP(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/hash", strings.NewReader("hello")).WithContext(ctx)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeAndServeWebShutdown(t *testing.T) {
	s := newServer(t)
	rpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	webLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 2)
	go func() { errc <- s.Serve(ctx, rpcLn) }()
	go func() { errc <- s.ServeWeb(ctx, webLn) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()

	streamClient, err := rpc.Dial(waitCtx, "tcp", rpcLn.Addr().String())
	require.NoError(t, err)
	defer streamClient.Close()
	wsClient, err := rpc.DialWebsocket(waitCtx, "ws://"+webLn.Addr().String()+"/ws")
	require.NoError(t, err)
	defer wsClient.Close()

	for _, c := range []*rpc.Client{streamClient, wsClient} {
		res, err := c.Hash(ctx, []byte("hello")).Await(waitCtx)
		require.NoError(t, err)
		assert.Equal(t, helloSHA256, res.Hex)
	}

	// Both listeners drain their own connections and return.
	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("listener did not shut down")
		}
	}
}

func TestWebsocketRPC(t *testing.T) {
	srv := newHTTP(t)
	ctx := context.Background()

	c, err := rpc.DialWebsocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	require.NoError(t, err)
	defer c.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := c.Hash(ctx, []byte("hello")).Await(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, res.Hex)
}
