package rpc

import (
	"context"
	"crypto/sha256"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"edu/hyponome/internal/codec"
	"edu/hyponome/internal/hasher"
)

func newService(t *testing.T, mutate func(*hasher.Config)) *hasher.Service {
	t.Helper()
	cfg := hasher.DefaultConfig()
	cfg.MaxPayload = 1024
	cfg.Workers = 4
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := hasher.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

// serve runs a Conn exporting svc on one end of stream and returns a
// channel that yields Serve's result.
func serve(t *testing.T, stream MessageStream, svc hasher.Hasher) <-chan error {
	t.Helper()
	conn := NewConn(stream, zaptest.NewLogger(t))
	conn.Export(BootstrapCapability, NewHasherCapability(svc))

	errc := make(chan error, 1)
	go func() { errc <- conn.Serve(context.Background()) }()
	return errc
}

func pipePair(t *testing.T, svc hasher.Hasher) (*Client, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	errc := serve(t, NewNetStream(server), svc)
	c := NewClient(NewNetStream(client), WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { _ = c.Close() })
	return c, errc
}

func await(t *testing.T, a *Answer) (hasher.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := a.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return res, err
}

func sum256(b []byte) []byte {
	s := sha256.Sum256(b)
	return s[:]
}

func TestHash(t *testing.T) {
	c, _ := pipePair(t, newService(t, nil))

	res, err := await(t, c.Hash(context.Background(), []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, "sha256", res.Digest.Algorithm)
	assert.Equal(t, sum256([]byte("hello")), res.Digest.Value)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", res.Hex)
}

func TestHashEmptyPayload(t *testing.T) {
	c, _ := pipePair(t, newService(t, nil))

	res, err := await(t, c.Hash(context.Background(), nil))
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", res.Hex)
}

func TestHashWithoutHexResult(t *testing.T) {
	c, _ := pipePair(t, newService(t, func(cfg *hasher.Config) { cfg.HexResult = false }))

	res, err := await(t, c.Hash(context.Background(), []byte("abc")))
	require.NoError(t, err)
	// The client fills in the hex form itself.
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", res.Hex)
}

func TestPayloadTooLarge(t *testing.T) {
	c, _ := pipePair(t, newService(t, nil))

	_, err := await(t, c.Hash(context.Background(), make([]byte, 1025)))
	require.Error(t, err)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, hasher.CodeInvalidArgument, remote.Code)
	assert.ErrorIs(t, err, hasher.ErrInvalidArgument)

	_, err = await(t, c.Hash(context.Background(), make([]byte, 1024)))
	assert.NoError(t, err)
}

func TestPipelining(t *testing.T) {
	c, _ := pipePair(t, newService(t, nil))
	ctx := context.Background()

	first := c.Hash(ctx, []byte("x"))
	second := c.Pipeline(ctx, first)
	third := c.Pipeline(ctx, second)

	res, err := await(t, third)
	require.NoError(t, err)
	assert.Equal(t, sum256(sum256(sum256([]byte("x")))), res.Digest.Value)

	res, err = await(t, first)
	require.NoError(t, err)
	assert.Equal(t, sum256([]byte("x")), res.Digest.Value)
}

func TestPipelineOnSettledAnswer(t *testing.T) {
	c, _ := pipePair(t, newService(t, nil))
	ctx := context.Background()

	first := c.Hash(ctx, []byte("x"))
	_, err := await(t, first)
	require.NoError(t, err)

	res, err := await(t, c.Pipeline(ctx, first))
	require.NoError(t, err)
	assert.Equal(t, sum256(sum256([]byte("x"))), res.Digest.Value)
}

func TestPipelineRejectedDependency(t *testing.T) {
	c, _ := pipePair(t, newService(t, nil))
	ctx := context.Background()

	first := c.Hash(ctx, make([]byte, 4096))
	second := c.Pipeline(ctx, first)

	_, err := await(t, second)
	require.Error(t, err)
	assert.ErrorIs(t, err, hasher.ErrInvalidArgument)

	// A dependency already known to have failed never reaches the wire.
	_, err = await(t, c.Pipeline(ctx, first))
	assert.ErrorIs(t, err, hasher.ErrInvalidArgument)
}

func TestConcurrentCalls(t *testing.T) {
	c, _ := pipePair(t, newService(t, nil))
	ctx := context.Background()

	const n = 32
	answers := make([]*Answer, n)
	for i := range answers {
		answers[i] = c.Hash(ctx, []byte(strings.Repeat("a", i)))
	}
	for i, a := range answers {
		res, err := await(t, a)
		require.NoError(t, err)
		assert.Equal(t, sum256([]byte(strings.Repeat("a", i))), res.Digest.Value, "call %d", i)
	}
}

// gatedCapability parks every call until its context ends, then hands it
// to the real service, which sees the cancellation.
type gatedCapability struct {
	svc     *hasher.Service
	entered chan struct{}
}

func (g *gatedCapability) Dispatch(ctx context.Context, method string, data []byte) (*hasher.PendingCall, error) {
	g.entered <- struct{}{}
	<-ctx.Done()
	return g.svc.Hash(ctx, data), nil
}

func gatedPair(t *testing.T) (*Client, *hasher.Service, *gatedCapability, <-chan error) {
	t.Helper()
	svc := newService(t, nil)
	gate := &gatedCapability{svc: svc, entered: make(chan struct{}, 8)}

	server, client := net.Pipe()
	conn := NewConn(NewNetStream(server), zaptest.NewLogger(t))
	conn.Export(BootstrapCapability, gate)
	errc := make(chan error, 1)
	go func() { errc <- conn.Serve(context.Background()) }()

	c := NewClient(NewNetStream(client))
	t.Cleanup(func() { _ = c.Close() })
	return c, svc, gate, errc
}

func waitEntered(t *testing.T, gate *gatedCapability) {
	t.Helper()
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("call never reached the capability")
	}
}

func TestCancelSendsFinish(t *testing.T) {
	c, svc, gate, _ := gatedPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	a := c.Hash(ctx, []byte("payload"))
	dependent := c.Pipeline(context.Background(), a)

	waitEntered(t, gate)
	cancel()

	_, err := await(t, a)
	assert.ErrorIs(t, err, hasher.ErrCancelled)
	_, err = await(t, dependent)
	assert.ErrorIs(t, err, hasher.ErrCancelled)

	require.Eventually(t, func() bool {
		s := svc.Stats()
		return s.Cancelled == 1 && s.InFlight == 0
	}, 5*time.Second, time.Millisecond)
	s := svc.Stats()
	assert.Zero(t, s.Resolved)
	assert.Zero(t, s.OpenStreams)
}

func TestConnectionDropCancelsCalls(t *testing.T) {
	c, svc, gate, errc := gatedPair(t)

	a := c.Hash(context.Background(), []byte("one"))
	b := c.Hash(context.Background(), []byte("two"))
	waitEntered(t, gate)
	waitEntered(t, gate)

	require.NoError(t, c.Close())
	for _, ans := range []*Answer{a, b} {
		_, err := await(t, ans)
		assert.ErrorIs(t, err, ErrClosed)
	}

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server connection did not shut down")
	}

	// Serve returns only after every call has settled.
	s := svc.Stats()
	assert.EqualValues(t, 2, s.Cancelled)
	assert.Zero(t, s.Resolved)
	assert.Zero(t, s.OpenStreams)
	assert.Zero(t, s.InFlight)
}

func TestPayloadAtWireLimit(t *testing.T) {
	c, _ := pipePair(t, newService(t, func(cfg *hasher.Config) { cfg.MaxPayload = codec.MaxPayloadSize }))
	ctx := context.Background()

	payload := make([]byte, codec.MaxPayloadSize)
	res, err := await(t, c.Hash(ctx, payload))
	require.NoError(t, err)
	assert.Equal(t, sum256(payload), res.Digest.Value)
}

func TestOversizedMessageFailsOnlyItsCall(t *testing.T) {
	c, _ := pipePair(t, newService(t, func(cfg *hasher.Config) { cfg.MaxPayload = codec.MaxPayloadSize }))
	ctx := context.Background()

	_, err := await(t, c.Hash(ctx, []byte("before")))
	require.NoError(t, err)

	tooBig := c.Hash(ctx, make([]byte, codec.MaxPayloadSize+1))
	dependent := c.Pipeline(ctx, tooBig)

	_, err = await(t, tooBig)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.ErrorIs(t, err, hasher.ErrInvalidArgument)
	_, err = await(t, dependent)
	assert.ErrorIs(t, err, hasher.ErrInvalidArgument)

	// The connection survives.
	res, err := await(t, c.Hash(ctx, []byte("after")))
	require.NoError(t, err)
	assert.Equal(t, sum256([]byte("after")), res.Digest.Value)
}

func TestNetStreamRefusesOversizedFrame(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	err := NewNetStream(client).Send(&Message{Kind: KindCall, Question: 1, Data: make([]byte, codec.MaxMessageSize)})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.ErrorIs(t, err, hasher.ErrInvalidArgument)
}

func TestHashAfterClose(t *testing.T) {
	c, _ := pipePair(t, newService(t, nil))
	require.NoError(t, c.Close())

	_, err := await(t, c.Hash(context.Background(), []byte("late")))
	assert.ErrorIs(t, err, ErrClosed)
}

// rawPair gives a test direct access to the wire.
func rawPair(t *testing.T) MessageStream {
	t.Helper()
	server, client := net.Pipe()
	serve(t, NewNetStream(server), newService(t, nil))
	stream := NewNetStream(client)
	t.Cleanup(func() { _ = stream.Close() })
	return stream
}

func roundTrip(t *testing.T, stream MessageStream, m *Message) *Message {
	t.Helper()
	require.NoError(t, stream.Send(m))
	var reply Message
	require.NoError(t, stream.Recv(&reply))
	require.Equal(t, KindReturn, reply.Kind)
	require.Equal(t, m.Question, reply.Question)
	return &reply
}

func TestProtocolErrors(t *testing.T) {
	stream := rawPair(t)
	missing := uint32(99)

	tests := []struct {
		name string
		msg  Message
	}{
		{"unknown capability", Message{Kind: KindCall, Question: 1, Capability: 7, Method: MethodHash}},
		{"unknown method", Message{Kind: KindCall, Question: 2, Method: "shred"}},
		{"unknown pipeline target", Message{Kind: KindCall, Question: 3, Method: MethodHash, Pipeline: &missing}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := roundTrip(t, stream, &tt.msg)
			require.NotNil(t, reply.Error)
			assert.Equal(t, hasher.CodeInvalidArgument, reply.Error.Code)
			assert.Empty(t, reply.Digest)
		})
	}
}

func TestDuplicateQuestion(t *testing.T) {
	stream := rawPair(t)
	call := &Message{Kind: KindCall, Question: 5, Method: MethodHash, Data: []byte("a")}

	reply := roundTrip(t, stream, call)
	require.Nil(t, reply.Error)
	assert.Equal(t, sum256([]byte("a")), reply.Digest)

	// Question 5 is still held until finished.
	reply = roundTrip(t, stream, call)
	require.NotNil(t, reply.Error)
	assert.Equal(t, hasher.CodeInvalidArgument, reply.Error.Code)

	require.NoError(t, stream.Send(&Message{Kind: KindFinish, Question: 5}))
	reply = roundTrip(t, stream, call)
	assert.Nil(t, reply.Error)
}

func TestRawPipeline(t *testing.T) {
	stream := rawPair(t)
	first := uint32(1)

	require.NoError(t, stream.Send(&Message{Kind: KindCall, Question: first, Method: MethodHash, Data: []byte("x")}))
	require.NoError(t, stream.Send(&Message{Kind: KindCall, Question: 2, Method: MethodHash, Pipeline: &first}))

	got := map[uint32][]byte{}
	for i := 0; i < 2; i++ {
		var m Message
		require.NoError(t, stream.Recv(&m))
		require.Nil(t, m.Error)
		got[m.Question] = m.Digest
	}
	assert.Equal(t, sum256([]byte("x")), got[1])
	assert.Equal(t, sum256(sum256([]byte("x"))), got[2])
}

func TestWebsocketTransport(t *testing.T) {
	svc := newService(t, nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(NewWebsocketStream(ws), zaptest.NewLogger(t))
		conn.Export(BootstrapCapability, NewHasherCapability(svc))
		_ = conn.Serve(context.Background())
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	c, err := DialWebsocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	res, err := await(t, c.Pipeline(ctx, c.Hash(ctx, []byte("over websocket"))))
	require.NoError(t, err)
	assert.Equal(t, sum256(sum256([]byte("over websocket"))), res.Digest.Value)
}

func TestRemoteErrorUnwrap(t *testing.T) {
	assert.ErrorIs(t, &RemoteError{Code: hasher.CodeInvalidArgument}, hasher.ErrInvalidArgument)
	assert.ErrorIs(t, &RemoteError{Code: hasher.CodeInternal}, hasher.ErrInternal)
	assert.ErrorIs(t, &RemoteError{Code: "unheard-of"}, hasher.ErrInternal)
}
