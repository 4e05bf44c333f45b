package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/VoiceSFU/internal/adapters/rtc/rtctest"
	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/app/orch"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type  string          `json:"type"`
	ID    json.RawMessage `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error *ackError       `json:"error"`
}

type client struct {
	t       *testing.T
	ws      *websocket.Conn
	msgs    chan frame
	pending []frame
	seq     int
}

func (c *client) read() {
	defer close(c.msgs)
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		c.msgs <- f
	}
}

func (c *client) wait(what string, match func(frame) bool) frame {
	c.t.Helper()
	for i, f := range c.pending {
		if match(f) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f
		}
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-c.msgs:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s", what)
			}
			if match(f) {
				return f
			}
			c.pending = append(c.pending, f)
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (c *client) event(typ string) frame {
	c.t.Helper()
	return c.wait(typ, func(f frame) bool { return f.Type == typ })
}

func (c *client) send(typ string, data any) string {
	c.t.Helper()
	c.seq++
	id := strconv.Itoa(c.seq)
	require.NoError(c.t, c.ws.WriteJSON(map[string]any{"type": typ, "id": c.seq, "data": data}))
	return id
}

func (c *client) request(typ string, data any) frame {
	c.t.Helper()
	id := c.send(typ, data)
	return c.wait("ack "+typ, func(f frame) bool { return f.Type == "ack" && string(f.ID) == id })
}

func (c *client) ok(typ string, data any, out any) {
	c.t.Helper()
	f := c.request(typ, data)
	require.Nil(c.t, f.Error, "%s failed", typ)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(f.Data, out))
	}
}

type testServer struct {
	url  string
	orch *orch.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	gin.SetMode(gin.TestMode)
	router := rtctest.NewRouter([]domain.RtpCodecCapability{rtctest.Opus()})
	o := orch.New(router, app.NewConnections(app.TolerantPolicy{}, nil), nil, orch.Options{EnableUDP: true})
	ctl := NewSignalWSController(o, nil, Options{
		PingPeriod:     time.Second,
		SendBuffer:     32,
		ToggleLimit:    2,
		ToggleInterval: time.Minute,
	})

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(context.Background(), c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", orch: o}
}

func (s *testServer) dial(t *testing.T) (*client, domain.Snapshot) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	c := &client{t: t, ws: ws, msgs: make(chan frame, 64)}
	go c.read()

	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(c.event("join-snapshot").Data, &snap))
	return c, snap
}

func (c *client) transport(sender bool) domain.TransportParams {
	c.t.Helper()
	var params domain.TransportParams
	c.ok("request-transport", map[string]any{"sender": sender}, &params)
	connect := "transport-recv-connect"
	if sender {
		connect = "transport-connect"
	}
	c.ok(connect, map[string]any{
		"transportId":    params.ID,
		"dtlsParameters": params.DtlsParameters,
	}, nil)
	return params
}

func TestSignalProduceAndConsume(t *testing.T) {
	s := newTestServer(t)
	a, snapA := s.dial(t)
	b, snapB := s.dial(t)
	assert.Len(t, snapA.Participants, 1)
	require.Len(t, snapB.Participants, 2)
	assert.Equal(t, snapA.SelfID, snapB.Participants[0].ID)

	a.transport(true)
	var produced producedReply
	a.ok("transport-produce", map[string]any{
		"kind":          "audio",
		"rtpParameters": rtctest.OpusParameters(1234),
	}, &produced)
	require.NotEmpty(t, produced.ID)

	var ns domain.NewStream
	require.NoError(t, json.Unmarshal(b.event("new-participant-stream").Data, &ns))
	assert.Equal(t, domain.NewStream{ID: snapA.SelfID, ProducerID: produced.ID}, ns)

	b.transport(false)
	var consumer domain.ConsumerParams
	b.ok("consume", map[string]any{
		"producerId":      produced.ID,
		"rtpCapabilities": snapB.RouterRtpCapabilities,
	}, &consumer)
	assert.Equal(t, domain.KindAudio, consumer.Kind)
	assert.Equal(t, produced.ID, consumer.ProducerID)

	var st domain.PauseState
	b.ok("consumer-resume", map[string]any{"consumerId": consumer.ID}, &st)
	assert.False(t, st.Paused)

	_ = a.ws.Close()
	var left domain.ParticipantLeft
	require.NoError(t, json.Unmarshal(b.event("participant-left").Data, &left))
	assert.Equal(t, snapA.SelfID, left.ID)
	var closed domain.ConsumerClosed
	require.NoError(t, json.Unmarshal(b.event("consumer-closed").Data, &closed))
	assert.Equal(t, consumer.ID, closed.ConsumerID)
}

func TestSignalErrorsKeepConnection(t *testing.T) {
	s := newTestServer(t)
	b, snap := s.dial(t)
	b.transport(false)

	f := b.request("consume", map[string]any{
		"producerId":      "producer-404",
		"rtpCapabilities": snap.RouterRtpCapabilities,
	})
	require.NotNil(t, f.Error)
	assert.Equal(t, "not_found", f.Error.Code)

	f = b.request("transport-produce", map[string]any{"kind": "audio"})
	require.NotNil(t, f.Error)
	assert.Equal(t, "invalid_state", f.Error.Code)

	f = b.request("request-transport", nil)
	require.NotNil(t, f.Error)
	assert.Equal(t, "bad_payload", f.Error.Code)

	f = b.request("dance", nil)
	require.NotNil(t, f.Error)
	assert.Equal(t, "bad_payload", f.Error.Code)

	id := b.send("ping", nil)
	pong := b.event("pong")
	assert.Equal(t, id, string(pong.ID))

	var again domain.Snapshot
	b.ok("join", nil, &again)
	assert.Equal(t, snap.SelfID, again.SelfID)
}

func TestSignalToggleMute(t *testing.T) {
	s := newTestServer(t)
	a, _ := s.dial(t)
	b, _ := s.dial(t)

	var res domain.MuteResult
	a.ok("toggle-mute-session", nil, &res)
	assert.True(t, res.Muted)
	for _, c := range []*client{a, b} {
		assert.JSONEq(t, `{"muted":true}`, string(c.event("mute-state-changed").Data))
	}

	a.ok("toggle-mute-session", nil, &res)
	assert.False(t, res.Muted)

	f := a.request("toggle-mute-session", nil)
	require.NotNil(t, f.Error)
	assert.Equal(t, "rate_limited", f.Error.Code)
	assert.False(t, s.orch.Muted())
}
