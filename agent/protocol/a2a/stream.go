package a2a

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentfabric/internal/tlsutil"
	"github.com/BaSui01/agentfabric/types"
)

// Stream carrier constants. One websocket connection carries many
// envelopes; responses are matched to requests by message id and may
// arrive out of order.
const (
	StreamPath        = "/v1/ws"
	StreamSubprotocol = "a2a"
)

// ErrStreamClosed is returned by Send after the connection has gone away.
var ErrStreamClosed = errors.New("a2a: stream closed")

// Sender is anything that can deliver an envelope and wait for its outcome.
// *Manager satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, env *types.Envelope) (*types.Response, error)
}

// StreamConn is the client end of the websocket carrier.
type StreamConn struct {
	conn     *websocket.Conn
	endpoint string
	secret   []byte
	logger   *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *types.Response
	closed  bool
	err     error
	done    chan struct{}
}

// DialStream opens a websocket to the peer at endpoint, e.g.
// "http://billing:8080". Headers and SigningSecret come from config.
func DialStream(ctx context.Context, endpoint string, config ClientConfig, logger *zap.Logger) (*StreamConn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint = strings.TrimRight(endpoint, "/")
	if endpoint == "" {
		return nil, types.NewError(types.KindAgentUnavailable, "empty endpoint").
			WithCause(ErrRemoteUnavailable).WithSource("a2a_stream")
	}

	header := make(http.Header, len(config.Headers))
	for k, v := range config.Headers {
		header.Set(k, v)
	}
	// websocket upgrades need HTTP/1.1; deadlines come from ctx.
	transport := tlsutil.SecureTransport()
	transport.ForceAttemptHTTP2 = false

	conn, _, err := websocket.Dial(ctx, streamURL(endpoint), &websocket.DialOptions{
		HTTPClient:   &http.Client{Transport: transport},
		HTTPHeader:   header,
		Subprotocols: []string{StreamSubprotocol},
	})
	if err != nil {
		return nil, unavailable(endpoint, err)
	}

	s := &StreamConn{
		conn:     conn,
		endpoint: endpoint,
		logger:   logger.With(zap.String("component", "a2a_stream"), zap.String("endpoint", endpoint)),
		pending:  make(map[string]chan *types.Response),
		done:     make(chan struct{}),
	}
	if config.SigningSecret != "" {
		s.secret = []byte(config.SigningSecret)
	}
	go s.readLoop()
	return s, nil
}

func streamURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint + StreamPath
}

// Send writes env and waits for the response with the same id.
func (s *StreamConn) Send(ctx context.Context, env *types.Envelope) (*types.Response, error) {
	if s.secret != nil && env.Signature == "" {
		env = env.Clone()
		if err := SignEnvelope(env, s.secret); err != nil {
			return nil, types.NewError(types.KindInternal, "sign envelope").WithCause(err)
		}
	}

	ch := make(chan *types.Response, 1)
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		return nil, unavailable(s.endpoint, err)
	}
	if _, dup := s.pending[env.ID]; dup {
		s.mu.Unlock()
		return nil, types.Errorf(types.KindValidation, "message %s already in flight on stream", env.ID).
			WithSource("a2a_stream")
	}
	s.pending[env.ID] = ch
	s.mu.Unlock()
	defer s.forget(env.ID)

	s.writeMu.Lock()
	err := wsjson.Write(ctx, s.conn, env)
	s.writeMu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.AsError(ctx.Err())
		}
		return nil, unavailable(s.endpoint, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return nil, types.AsError(ctx.Err())
	case <-s.done:
		return nil, unavailable(s.endpoint, s.closeErr())
	}
}

// Handler returns a Handler that forwards envelopes over this stream.
func (s *StreamConn) Handler() Handler {
	return HandlerFunc(func(ctx context.Context, env *types.Envelope) (any, error) {
		resp, err := s.Send(ctx, env)
		if err != nil {
			return nil, err
		}
		return resp.Result, nil
	})
}

// Done is closed when the connection ends.
func (s *StreamConn) Done() <-chan struct{} { return s.done }

// Close closes the connection and fails every waiting Send.
func (s *StreamConn) Close() error {
	s.mu.Lock()
	gone := s.closed
	s.mu.Unlock()

	err := s.conn.Close(websocket.StatusNormalClosure, "closing")
	<-s.done
	if gone {
		return nil
	}
	return err
}

func (s *StreamConn) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *StreamConn) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *StreamConn) readLoop() {
	defer close(s.done)
	for {
		var resp types.Response
		if err := wsjson.Read(context.Background(), s.conn, &resp); err != nil {
			s.mu.Lock()
			s.closed = true
			s.err = fmt.Errorf("%w: %v", ErrStreamClosed, err)
			s.mu.Unlock()
			s.logger.Debug("stream read loop ended", zap.Error(err))
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		s.mu.Unlock()
		if !ok {
			s.logger.Warn("dropping response for unknown message", zap.String("message_id", resp.ID))
			continue
		}
		ch <- &resp
	}
}

// StreamServerConfig tunes the server end of the carrier.
type StreamServerConfig struct {
	// AgentID is used as the From of error responses.
	AgentID string
	// MaxInflight caps concurrent envelopes per connection.
	MaxInflight int
	// ReadLimit caps a single frame in bytes.
	ReadLimit int64
}

// ServeStream upgrades r and feeds every received envelope to sender,
// writing each outcome back as a Response. It returns when the peer
// disconnects or ctx ends.
func ServeStream(w http.ResponseWriter, r *http.Request, sender Sender, config StreamServerConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxInflight <= 0 {
		config.MaxInflight = 64
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = 1 << 20
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{StreamSubprotocol},
	})
	if err != nil {
		return err
	}
	conn.SetReadLimit(config.ReadLimit)
	logger = logger.With(zap.String("component", "a2a_stream"), zap.String("remote", r.RemoteAddr))
	logger.Debug("stream opened")

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(config.MaxInflight + 1)

	var writeMu sync.Mutex
	write := func(resp *types.Response) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wsjson.Write(ctx, conn, resp)
	}

	g.Go(func() error {
		for {
			var env types.Envelope
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				return err
			}
			g.Go(func() error {
				resp, err := sender.SendMessage(ctx, &env)
				if err != nil {
					resp = types.NewErrorResponse(&env, config.AgentID, types.AsError(err))
				}
				return write(resp)
			})
		}
	})

	err = g.Wait()
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		logger.Debug("stream closed by peer")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	_ = conn.Close(websocket.StatusInternalError, "stream failed")
	return err
}
