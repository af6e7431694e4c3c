package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/telehealth-signaling/internal/auth"
	"github.com/mossy-p/telehealth-signaling/internal/hub"
	"github.com/mossy-p/telehealth-signaling/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	presenceWait   = 2 * time.Second
	closeWriteWait = time.Second
)

var (
	errUnknownEvent = errors.New("unknown event")
	errMissingData  = errors.New("missing data")
)

// Client represents a WebSocket client connection
type Client struct {
	id       string
	username string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	log      zerolog.Logger
}

func newClient(conn *websocket.Conn, username string, buffer int) *Client {
	id := uuid.New().String()
	return &Client{
		id:       id,
		username: username,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		log:      log.With().Str("conn_id", id).Str("user_name", username).Logger(),
	}
}

func (c *Client) ID() string       { return c.id }
func (c *Client) Username() string { return c.username }

// Emit implements hub.Peer.
func (c *Client) Emit(event models.Event, payload any) {
	c.sendMessage(models.OutboundEnvelope{Event: event, Data: payload})
}

func (c *Client) ack(id int64, payload any) {
	c.sendMessage(models.OutboundEnvelope{Event: models.EventAck, Data: payload, AckID: &id})
}

func (c *Client) sendMessage(msg models.OutboundEnvelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Str("event", string(msg.Event)).Msg("Failed to marshal message")
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn().Str("event", string(msg.Event)).Msg("Failed to send message, buffer full")
	}
}

// HandleSignaling authenticates the handshake, upgrades the connection and
// registers the client with the hub.
func (s *Server) HandleSignaling(c *gin.Context) {
	handshake := auth.Handshake{
		UserName: c.Query("userName"),
		Password: c.Query("password"),
		Token:    c.Query("token"),
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	username, err := s.verifier.Verify(handshake)
	if err != nil {
		log.Info().Err(err).Str("user_name", handshake.UserName).Msg("Handshake rejected")
		writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
		_ = conn.Close()
		return
	}

	client := newClient(conn, username, s.cfg.SendBuffer)
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	s.hub.Connect(client)
	s.markOnline(client)

	go client.writePump()
	go client.readPump(s)
}

func (c *Client) readPump(s *Server) {
	defer func() {
		close(c.done)
		c.conn.Close()
		if s.hub.Disconnect(c) {
			s.markOffline(c)
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error().Err(err).Msg("WebSocket error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.log.Warn().Err(err).Msg("Failed to parse message")
			continue
		}

		if err := c.dispatch(s.hub, env); err != nil {
			c.log.Warn().Err(err).Str("event", string(env.Event)).Msg("Message ignored")
		}
	}
}

// dispatch routes one client event to the hub.
func (c *Client) dispatch(h *hub.Hub, env models.Envelope) error {
	switch env.Event {
	case models.EventNewOffer:
		var req models.NewOfferRequest
		if err := decodeData(env.Data, &req); err != nil {
			return err
		}
		h.NewOffer(c, req)

	case models.EventGetOffers:
		h.Offers(c)

	case models.EventGetOffer:
		var username string
		if err := decodeData(env.Data, &username); err != nil {
			return err
		}
		h.OffersFor(c, username)

	case models.EventNewAnswer:
		var answer models.Offer
		if err := decodeData(env.Data, &answer); err != nil {
			return err
		}
		h.NewAnswer(c, answer, func(candidates []json.RawMessage) {
			if env.AckID != nil {
				c.ack(*env.AckID, candidates)
			}
		})

	case models.EventIceCandidate:
		var msg models.IceCandidateMessage
		if err := decodeData(env.Data, &msg); err != nil {
			return err
		}
		h.IceCandidate(c, msg)

	case models.EventHangup:
		h.Hangup(c)

	case models.EventRegisterInfo:
		h.RegisterInfo(c, env.Data)

	default:
		return fmt.Errorf("%w %q", errUnknownEvent, env.Event)
	}
	return nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errMissingData
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// markOnline mirrors c coming online unless a newer connection has already
// replaced it. Presence writes are serialized and re-check the hub under
// presenceMu.
func (s *Server) markOnline(c *Client) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()

	if !s.hub.Owns(c) {
		return
	}
	s.writePresence(c, true)
}

// markOffline mirrors c's user going offline unless the user has reconnected.
func (s *Server) markOffline(c *Client) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()

	if s.hub.Registered(c.username) {
		return
	}
	s.writePresence(c, false)
}

func (s *Server) writePresence(c *Client, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceWait)
	defer cancel()

	var err error
	if online {
		err = s.presence.Online(ctx, c.username)
	} else {
		err = s.presence.Offline(ctx, c.username)
	}
	if err != nil {
		c.log.Warn().Err(err).Bool("online", online).Msg("Failed to update presence")
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
}

var _ hub.Peer = (*Client)(nil)

// upgrader checks nothing itself: OriginFilter runs before the handler.
func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}
