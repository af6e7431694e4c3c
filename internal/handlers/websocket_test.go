package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/telehealth-signaling/config"
	"github.com/mossy-p/telehealth-signaling/internal/hub"
	"github.com/mossy-p/telehealth-signaling/internal/models"
)

const readTimeout = 2 * time.Second

type recordingPresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *recordingPresence) Online(_ context.Context, user string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[user] = true
	return nil
}

func (p *recordingPresence) Offline(_ context.Context, user string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, user)
	return nil
}

func (p *recordingPresence) isOnline(user string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[user]
}

func testConfig() *config.Config {
	return &config.Config{
		Environment:     "test",
		AllowedOrigins:  []string{"http://localhost:5173"},
		SharedSecret:    "x",
		JWTSecret:       "jwt-secret",
		JWTTTL:          time.Hour,
		SendBuffer:      64,
		MaxMessageBytes: 64 * 1024,
	}
}

type testEnv struct {
	ts       *httptest.Server
	server   *Server
	hub      *hub.Hub
	presence *recordingPresence
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := hub.New(hub.Options{})
	presence := &recordingPresence{online: make(map[string]bool)}
	s := NewServer(testConfig(), h, presence)
	ts := httptest.NewServer(s.NewRouter())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, server: s, hub: h, presence: presence}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial(t *testing.T, query url.Values) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws/signal?" + query.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

// connect dials as user and waits until the hub has registered the peer.
func (e *testEnv) connect(t *testing.T, user string) *wsClient {
	t.Helper()
	before := e.hub.Stats().Peers
	c := e.dial(t, url.Values{"userName": {user}, "password": {"x"}})
	require.Eventually(t, func() bool { return e.hub.Stats().Peers > before }, readTimeout, 10*time.Millisecond)
	return c
}

func (c *wsClient) send(event models.Event, data any) {
	c.t.Helper()
	c.sendAck(event, data, nil)
}

func (c *wsClient) sendAck(event models.Event, data any, ackID *int64) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(models.OutboundEnvelope{Event: event, Data: data, AckID: ackID}))
}

func (c *wsClient) next() models.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var env models.Envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return env
}

// expect reads until event arrives, skipping anything else.
func (c *wsClient) expect(event models.Event) models.Envelope {
	c.t.Helper()
	for {
		env := c.next()
		if env.Event == event {
			return env
		}
	}
}

func offersOf(t *testing.T, env models.Envelope) []models.Offer {
	t.Helper()
	var offers []models.Offer
	require.NoError(t, json.Unmarshal(env.Data, &offers))
	return offers
}

func candidate(n string) json.RawMessage {
	return json.RawMessage(`{"candidate":"candidate:` + n + `","sdpMid":"0","sdpMLineIndex":0}`)
}

var (
	offerSDP  = json.RawMessage(`{"type":"offer","sdp":"v=0 offer"}`)
	answerSDP = json.RawMessage(`{"type":"answer","sdp":"v=0 answer"}`)
)

func TestSignaling_FullCall(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	alice.send(models.EventNewOffer, models.NewOfferRequest{Offer: offerSDP, OfferTo: "bob", OffererFullName: "Alice"})
	announced := bob.expect(models.EventAvailableOffer)
	var offer models.Offer
	require.NoError(t, json.Unmarshal(announced.Data, &offer))
	assert.Equal(t, "alice", offer.OffererUserName)
	assert.Equal(t, "bob", offer.OfferingTo)

	// Three candidates trickle in before the answer.
	for _, n := range []string{"1", "2", "3"} {
		alice.send(models.EventIceCandidate, models.IceCandidateMessage{DidIOffer: true, IceUserName: "alice", IceCandidate: candidate(n)})
	}
	alice.send(models.EventGetOffers, nil)
	offers := offersOf(t, alice.expect(models.EventAvailableOffers))
	require.Len(t, offers, 1)
	require.Len(t, offers[0].OfferIceCandidates, 3)

	ackID := int64(7)
	offer.Answer = answerSDP
	bob.sendAck(models.EventNewAnswer, offer, &ackID)

	ack := bob.expect(models.EventAck)
	require.NotNil(t, ack.AckID)
	assert.Equal(t, ackID, *ack.AckID)
	var buffered []json.RawMessage
	require.NoError(t, json.Unmarshal(ack.Data, &buffered))
	require.Len(t, buffered, 3)
	for i, n := range []string{"1", "2", "3"} {
		assert.JSONEq(t, string(candidate(n)), string(buffered[i]))
	}

	resp := alice.expect(models.EventAnswerResponse)
	var answered models.Offer
	require.NoError(t, json.Unmarshal(resp.Data, &answered))
	assert.Equal(t, "bob", answered.Answerer())
	assert.JSONEq(t, string(answerSDP), string(answered.Answer))

	// After the answer, candidates flow live in both directions.
	alice.send(models.EventIceCandidate, models.IceCandidateMessage{DidIOffer: true, IceUserName: "alice", IceCandidate: candidate("4")})
	live := bob.expect(models.EventReceivedIce)
	assert.JSONEq(t, string(candidate("4")), string(live.Data))

	bob.send(models.EventIceCandidate, models.IceCandidateMessage{DidIOffer: false, IceUserName: "bob", IceCandidate: candidate("b1")})
	live = alice.expect(models.EventReceivedIce)
	assert.JSONEq(t, string(candidate("b1")), string(live.Data))

	// Bob drops; alice is told and the offer is gone.
	require.NoError(t, bob.conn.Close())
	alice.expect(models.EventHangup)
	assert.Empty(t, env.hub.Snapshot())

	carol := env.connect(t, "carol")
	carol.send(models.EventGetOffers, nil)
	assert.Empty(t, offersOf(t, carol.expect(models.EventAvailableOffers)))
}

func TestSignaling_ConnectReplaysOffers(t *testing.T) {
	env := newTestEnv(t)
	for _, user := range []string{"p1", "p2"} {
		c := env.connect(t, user)
		c.send(models.EventNewOffer, models.NewOfferRequest{Offer: offerSDP, OfferTo: "doctor"})
	}
	require.Eventually(t, func() bool { return env.hub.Stats().Offers == 2 }, readTimeout, 10*time.Millisecond)

	doctor := env.connect(t, "doctor")
	offers := offersOf(t, doctor.expect(models.EventAvailableOffers))
	assert.Len(t, offers, 2)
}

func TestSignaling_GetOfferFilters(t *testing.T) {
	env := newTestEnv(t)
	p1 := env.connect(t, "p1")
	p2 := env.connect(t, "p2")
	p1.send(models.EventNewOffer, models.NewOfferRequest{Offer: offerSDP, OfferTo: "doctor"})
	p2.send(models.EventNewOffer, models.NewOfferRequest{Offer: offerSDP, OfferTo: "nurse"})
	require.Eventually(t, func() bool { return env.hub.Stats().Offers == 2 }, readTimeout, 10*time.Millisecond)

	doctor := env.connect(t, "doctor")
	doctor.expect(models.EventAvailableOffers)
	doctor.send(models.EventGetOffer, "doctor")
	// A full snapshot request afterwards marks the end of the filtered replies.
	doctor.send(models.EventGetOffers, nil)

	var got []models.Offer
	for {
		e := doctor.next()
		if e.Event == models.EventAvailableOffers {
			break
		}
		require.Equal(t, models.EventAvailableOffer, e.Event)
		var o models.Offer
		require.NoError(t, json.Unmarshal(e.Data, &o))
		got = append(got, o)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].OffererUserName)
}

func TestSignaling_HangupNotifiesOtherParty(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	alice.send(models.EventNewOffer, models.NewOfferRequest{Offer: offerSDP, OfferTo: "bob"})
	bob.expect(models.EventAvailableOffer)
	bob.send(models.EventNewAnswer, models.Offer{OffererUserName: "alice", Answer: answerSDP})
	alice.expect(models.EventAnswerResponse)

	alice.send(models.EventHangup, nil)
	bob.expect(models.EventHangup)
	assert.Empty(t, offersOf(t, alice.expect(models.EventAvailableOffers)))
	assert.Equal(t, 2, env.hub.Stats().Peers)
}

func TestSignaling_RejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, url.Values{"userName": {"mallory"}, "password": {"wrong"}})

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := c.conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, hub.Stats{}, env.hub.Stats())
	assert.False(t, env.presence.isOnline("mallory"))
}

func TestSignaling_RejectsMissingUserName(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, url.Values{"password": {"x"}})

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := c.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestSignaling_AnswerForMissingOffererDropped(t *testing.T) {
	env := newTestEnv(t)
	bob := env.connect(t, "bob")

	ackID := int64(1)
	bob.sendAck(models.EventNewAnswer, models.Offer{OffererUserName: "ghost", Answer: answerSDP}, &ackID)
	bob.send(models.EventGetOffers, nil)

	// Events are handled in order, so an ack would have arrived first.
	first := bob.next()
	assert.Equal(t, models.EventAvailableOffers, first.Event)
	assert.Equal(t, hub.Stats{Peers: 1}, env.hub.Stats())
}

func TestSignaling_MalformedFramesIgnored(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "alice")

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	c.send("bogusEvent", nil)
	c.send(models.EventNewOffer, nil)
	c.send(models.EventGetOffers, nil)

	assert.Empty(t, offersOf(t, c.expect(models.EventAvailableOffers)))
	assert.Equal(t, 1, env.hub.Stats().Peers)
}

func TestSignaling_PresenceMirror(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "alice")
	assert.True(t, env.presence.isOnline("alice"))

	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool { return !env.presence.isOnline("alice") }, readTimeout, 10*time.Millisecond)
	assert.Equal(t, 0, env.hub.Stats().Peers)
}

func TestSignaling_ReconnectKeepsUserOnline(t *testing.T) {
	env := newTestEnv(t)
	first := env.dial(t, url.Values{"userName": {"alice"}, "password": {"x"}})
	require.Eventually(t, func() bool { return env.hub.Stats().Peers == 1 }, readTimeout, 10*time.Millisecond)

	// Second connection under the same name replaces the first.
	second := env.dial(t, url.Values{"userName": {"alice"}, "password": {"x"}})
	second.send(models.EventGetOffers, nil)
	second.expect(models.EventAvailableOffers)

	require.NoError(t, first.conn.Close())
	second.send(models.EventGetOffers, nil)
	second.expect(models.EventAvailableOffers)

	assert.Equal(t, 1, env.hub.Stats().Peers)
	assert.True(t, env.presence.isOnline("alice"))
}

func TestSignaling_RegisterInfoAccepted(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "alice")

	c.send(models.EventRegisterInfo, map[string]string{"fullName": "Alice A."})
	c.send(models.EventGetOffers, nil)

	// No reply is sent for registerInfo, so the snapshot comes first.
	assert.Equal(t, models.EventAvailableOffers, c.next().Event)
	assert.Equal(t, 1, env.hub.Stats().Peers)
}

func fakeClient(id, user string) *Client {
	return &Client{id: id, username: user, send: make(chan []byte, 8), done: make(chan struct{}), log: zerolog.Nop()}
}

func TestPresence_LateOfflineAfterReconnect(t *testing.T) {
	env := newTestEnv(t)
	old, fresh := fakeClient("old", "alice"), fakeClient("new", "alice")

	env.hub.Connect(old)
	env.server.markOnline(old)
	require.True(t, env.hub.Disconnect(old))

	// The user reconnects before the old socket's offline write runs.
	env.hub.Connect(fresh)
	env.server.markOnline(fresh)
	env.server.markOffline(old)

	assert.True(t, env.presence.isOnline("alice"))
}

func TestPresence_LateOnlineFromReplacedConnection(t *testing.T) {
	env := newTestEnv(t)
	old, fresh := fakeClient("old", "alice"), fakeClient("new", "alice")

	env.hub.Connect(old)
	env.hub.Connect(fresh)
	env.server.markOnline(fresh)
	require.True(t, env.hub.Disconnect(fresh))
	env.server.markOffline(fresh)

	env.server.markOnline(old)
	assert.False(t, env.presence.isOnline("alice"))
}
