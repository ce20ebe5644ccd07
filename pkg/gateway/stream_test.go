package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vx11/vx11/pkg/events"
	"github.com/vx11/vx11/pkg/types"
	"github.com/vx11/vx11/pkg/window"
)

// sseStream reads one event per call from an open SSE response
type sseStream struct {
	resp   *http.Response
	reader *bufio.Reader
}

func (f *fixture) openSSE(t *testing.T, ctx context.Context, query string, headers map[string]string) *sseStream {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/operator/api/events"+query, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return &sseStream{resp: resp, reader: bufio.NewReader(resp.Body)}
}

func (s *sseStream) next(t *testing.T) *events.Event {
	t.Helper()
	for {
		line, err := s.reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event events.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		return &event
	}
}

func TestEventStreamWithHeaderToken(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := f.openSSE(t, ctx, "", map[string]string{"X-VX11-Token": testToken, "X-Correlation-ID": "tail-1"})
	first := stream.next(t)
	assert.Equal(t, events.EventHeartbeat, first.Type)
	assert.Equal(t, "tail-1", first.CorrelationID)

	_, err := f.windows.Open(window.OpenRequest{Services: []types.Target{types.TargetSwitch}, TTL: time.Minute, CorrelationID: "op-1"})
	require.NoError(t, err)

	opened := stream.next(t)
	assert.Equal(t, events.EventWindowOpened, opened.Type)
	assert.Equal(t, "op-1", opened.CorrelationID)
	assert.NotZero(t, opened.Seq)

	f.clock.Advance(15 * time.Second)
	beat := stream.next(t)
	assert.Equal(t, events.EventHeartbeat, beat.Type)
	assert.Equal(t, "tail-1", beat.CorrelationID)
}

func TestEventStreamWithQueryCredentials(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/operator/api/events/ticket", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	ticket := decode[TicketResponse](t, body)
	require.NotEmpty(t, ticket.Ticket)
	assert.Equal(t, f.clock.Now().Add(time.Minute).UTC(), ticket.ExpiresAt)

	tests := []struct {
		name  string
		token string
	}{
		{name: "ticket", token: ticket.Ticket},
		{name: "shared token", token: testToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			stream := f.openSSE(t, ctx, "?token="+tt.token, nil)
			assert.Equal(t, events.EventHeartbeat, stream.next(t).Type)
		})
	}
}

func TestEventStreamRejections(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/operator/api/events/ticket", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ticket := decode[TicketResponse](t, body).Ticket

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{name: "no credentials", query: "", status: http.StatusUnauthorized},
		{name: "wrong token", query: "?token=wrong", status: http.StatusForbidden},
		{name: "tampered ticket", query: "?token=" + ticket + "x", status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodGet, "/operator/api/events"+tt.query, nil, "X-VX11-Token", "")
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	// tickets do not open the rest of the API
	resp, _ = f.do(t, http.MethodGet, "/vx11/status", nil, "X-VX11-Token", ticket)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// nor outlive their TTL
	f.clock.Advance(2 * time.Minute)
	resp, _ = f.do(t, http.MethodGet, "/operator/api/events?token="+ticket, nil, "X-VX11-Token", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEventStreamOverWebSocket(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/operator/api/events"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-VX11-Token": []string{testToken}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first events.Event
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, events.EventHeartbeat, first.Type)

	_, err = f.windows.Open(window.OpenRequest{Services: []types.Target{types.TargetHermes}, Hold: true})
	require.NoError(t, err)

	var opened events.Event
	require.NoError(t, wsjson.Read(ctx, conn, &opened))
	assert.Equal(t, events.EventWindowOpened, opened.Type)
}

// blockingSink parks on every non-heartbeat event until released
type blockingSink struct {
	sending chan struct{}
	release chan struct{}

	mu   sync.Mutex
	sent []events.EventType
}

func (s *blockingSink) send(_ context.Context, event *events.Event) error {
	if event.Type != events.EventHeartbeat {
		s.sending <- struct{}{}
		<-s.release
	}
	s.mu.Lock()
	s.sent = append(s.sent, event.Type)
	s.mu.Unlock()
	return nil
}

func (s *blockingSink) close(string) {}

func TestPumpDropsSlowSubscriber(t *testing.T) {
	f := newFixture(t)
	sub := f.broker.Subscribe(1)
	out := &blockingSink{sending: make(chan struct{}, 1), release: make(chan struct{})}

	done := make(chan string, 1)
	go func() { done <- f.gateway.pump(context.Background(), out, sub, "slow", zerolog.Nop()) }()

	f.broker.Publish(&events.Event{Type: events.EventWindowOpened})
	<-out.sending
	f.broker.Publish(&events.Event{Type: events.EventWindowClosed})
	f.broker.Publish(&events.Event{Type: events.EventWindowExpired})
	assert.True(t, sub.Dropped())
	assert.Zero(t, f.broker.SubscriberCount())

	close(out.release)
	select {
	case reason := <-done:
		assert.Equal(t, "overflow", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not stop after overflow")
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	assert.Equal(t, []events.EventType{events.EventHeartbeat, events.EventWindowOpened, events.EventWindowClosed}, out.sent)
}

func TestPumpStopsOnShutdown(t *testing.T) {
	f := newFixture(t)
	sub := f.broker.Subscribe(4)
	defer sub.Close()
	out := &blockingSink{sending: make(chan struct{}, 1), release: make(chan struct{})}

	done := make(chan string, 1)
	go func() { done <- f.gateway.pump(context.Background(), out, sub, "s", zerolog.Nop()) }()

	f.gateway.Shutdown()
	select {
	case reason := <-done:
		assert.Equal(t, "shutdown", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("pump ignored shutdown")
	}
}
