// Package hub holds the signaling state: who is connected and which call
// offers are in flight. It relays opaque SDP and ICE payloads between the two
// participants of each offer and never looks inside them.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/telehealth-signaling/internal/models"
)

// Peer is one live connection as seen by the hub.
type Peer interface {
	// ID identifies the underlying transport connection.
	ID() string
	// Username is the name the peer registered under.
	Username() string
	// Emit queues an event for delivery. It must not block, and it must encode
	// payload before returning because the hub keeps mutating its offers.
	Emit(event models.Event, payload any)
}

// Options tune how new offers are announced.
type Options struct {
	// TargetedOffers sends a new offer only to its offeringTo peer when that
	// peer is connected. Otherwise every other peer is told about it.
	TargetedOffers bool
	// LegacyOfferEvent additionally announces new offers as newOfferAwaiting.
	LegacyOfferEvent bool
}

// Stats is a point-in-time count of hub state.
type Stats struct {
	Peers  int `json:"peers"`
	Offers int `json:"offers"`
}

// Hub owns the peer and offer registries. Every operation holds mu for its
// whole duration, so events are applied one at a time and emissions to a given
// peer are queued in the order they were produced.
type Hub struct {
	opts Options

	mu        sync.Mutex
	peers     map[string]Peer
	offers    []*models.Offer
	byOfferer map[string]*models.Offer
}

// New returns an empty hub.
func New(opts Options) *Hub {
	return &Hub{
		opts:      opts,
		peers:     make(map[string]Peer),
		byOfferer: make(map[string]*models.Offer),
	}
}

// Connect registers p under its user name and replays the current offers to
// it. A later registration under the same name replaces the earlier one.
func (h *Hub) Connect(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l := peerLogger(p)
	if prev, ok := h.peers[p.Username()]; ok && prev.ID() != p.ID() {
		l.Warn().Str("replaced_conn_id", prev.ID()).Msg("User name re-registered, newest connection wins")
	}
	h.peers[p.Username()] = p
	l.Info().Int("peers", len(h.peers)).Msg("Peer connected")

	if len(h.offers) > 0 {
		p.Emit(models.EventAvailableOffers, h.snapshotLocked())
	}
}

// NewOffer records a call offer from p and announces it.
func (h *Hub) NewOffer(p Peer, req models.NewOfferRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.ownsLocked(p) {
		return
	}
	offerer := p.Username()
	if prev, ok := h.byOfferer[offerer]; ok {
		peerLogger(p).Info().Msg("Offer superseded by a new one from the same offerer")
		h.removeOfferLocked(prev)
		h.notifyHangupLocked(prev, offerer)
	}

	offer := models.NewOffer(offerer, req)
	h.offers = append(h.offers, offer)
	h.byOfferer[offerer] = offer

	peerLogger(p).Info().Str("offering_to", offer.OfferingTo).Msg("New offer")

	if h.opts.TargetedOffers {
		if target, ok := h.peers[offer.OfferingTo]; ok && offer.OfferingTo != offerer {
			h.announceLocked(target, offer)
			return
		}
	}
	for name, peer := range h.peers {
		if name == offerer {
			continue
		}
		h.announceLocked(peer, offer)
	}
}

func (h *Hub) announceLocked(p Peer, offer *models.Offer) {
	p.Emit(models.EventAvailableOffer, offer)
	if h.opts.LegacyOfferEvent {
		p.Emit(models.EventNewOfferAwaiting, []*models.Offer{offer})
	}
}

// Offers sends p the full offer list.
func (h *Hub) Offers(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p.Emit(models.EventAvailableOffers, h.snapshotLocked())
}

// OffersFor sends p every offer addressed to username, one event per offer.
func (h *Hub) OffersFor(p Peer, username string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, offer := range h.offers {
		if offer.OfferingTo == username {
			p.Emit(models.EventAvailableOffer, offer)
		}
	}
}

// NewAnswer accepts p's answer to the offer made by answer.OffererUserName.
//
// On success ack is called, before anything else changes, with the ICE
// candidates the offerer has gathered so far, and the offerer receives
// answerResponse. An unknown offerer, a missing offer or an offer that was
// already answered drops the answer without telling anyone.
func (h *Hub) NewAnswer(p Peer, answer models.Offer, ack func(candidates []json.RawMessage)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.ownsLocked(p) {
		return false
	}
	l := peerLogger(p).With().Str("offerer", answer.OffererUserName).Logger()

	offerer, ok := h.peers[answer.OffererUserName]
	if !ok {
		l.Warn().Msg("Answer dropped: offerer not connected")
		return false
	}
	offer, ok := h.byOfferer[answer.OffererUserName]
	if !ok {
		l.Warn().Msg("Answer dropped: no offer from offerer")
		return false
	}
	if offer.Answered() {
		l.Warn().Str("answerer", offer.Answerer()).Msg("Answer dropped: offer already answered")
		return false
	}

	if ack != nil {
		ack(append([]json.RawMessage{}, offer.OfferIceCandidates...))
	}
	offer.SetAnswer(p.Username(), answer.Answer)
	offerer.Emit(models.EventAnswerResponse, offer)

	l.Info().Int("buffered_candidates", len(offer.OfferIceCandidates)).Msg("Offer answered")
	return true
}

// IceCandidate routes a trickled candidate to the other side of the call.
//
// Offerer candidates are always buffered on the offer and forwarded live once
// the offer is answered. Answerer candidates are forwarded live straight away.
// Candidates for calls that no longer exist are dropped.
func (h *Hub) IceCandidate(p Peer, msg models.IceCandidateMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.ownsLocked(p) {
		return
	}
	user := msg.IceUserName
	if user == "" {
		user = p.Username()
	}
	l := peerLogger(p).With().Bool("did_i_offer", msg.DidIOffer).Str("ice_user_name", user).Logger()

	if msg.DidIOffer {
		offer, ok := h.byOfferer[user]
		if !ok {
			l.Debug().Msg("Candidate dropped: no offer")
			return
		}
		offer.OfferIceCandidates = append(offer.OfferIceCandidates, msg.IceCandidate)
		if !offer.Answered() {
			return
		}
		if answerer, ok := h.peers[offer.Answerer()]; ok {
			answerer.Emit(models.EventReceivedIce, msg.IceCandidate)
		} else {
			l.Debug().Msg("Candidate buffered: answerer not connected")
		}
		return
	}

	offer := h.findByAnswererLocked(user)
	if offer == nil {
		l.Debug().Msg("Candidate dropped: no answered offer")
		return
	}
	offer.AnswererIceCandidates = append(offer.AnswererIceCandidates, msg.IceCandidate)
	if offerer, ok := h.peers[offer.OffererUserName]; ok {
		offerer.Emit(models.EventReceivedIce, msg.IceCandidate)
	} else {
		l.Debug().Msg("Candidate dropped: offerer not connected")
	}
}

// Hangup ends every call p's user takes part in, tells each other party, and
// sends p what is left of the offer list. It does nothing when the user has no
// call.
func (h *Hub) Hangup(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.ownsLocked(p) {
		return
	}
	if n := h.cleanupLocked(p.Username()); n == 0 {
		return
	}
	p.Emit(models.EventAvailableOffers, h.snapshotLocked())
}

// Owns reports whether p is the connection currently registered under its
// user name.
func (h *Hub) Owns(p Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur, ok := h.peers[p.Username()]
	return ok && cur.ID() == p.ID()
}

// Registered reports whether any connection is registered under user.
func (h *Hub) Registered(user string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.peers[user]
	return ok
}

// Disconnect unregisters p and ends its user's calls. A connection that was
// already replaced by a newer one under the same name leaves both the registry
// entry and the calls alone. It reports whether p was still registered.
func (h *Hub) Disconnect(p Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	user := p.Username()
	if cur, ok := h.peers[user]; !ok || cur.ID() != p.ID() {
		peerLogger(p).Info().Msg("Stale connection closed")
		return false
	}
	delete(h.peers, user)
	h.cleanupLocked(user)

	peerLogger(p).Info().Int("peers", len(h.peers)).Msg("Peer disconnected")
	return true
}

// RegisterInfo records extra details a client announces about itself.
func (h *Hub) RegisterInfo(p Peer, data json.RawMessage) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	peerLogger(p).Debug().RawJSON("info", data).Msg("Extra user data received")
}

// Snapshot returns a copy of the offer list in insertion order.
func (h *Hub) Snapshot() []models.Offer {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]models.Offer, len(h.offers))
	for i, o := range h.offers {
		out[i] = o.Clone()
	}
	return out
}

// Stats returns the current peer and offer counts.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Stats{Peers: len(h.peers), Offers: len(h.offers)}
}

// cleanupLocked removes every offer user takes part in and sends hangup to
// each other party still connected. It returns the number of offers removed.
func (h *Hub) cleanupLocked(user string) int {
	var ended []*models.Offer
	kept := h.offers[:0]
	for _, o := range h.offers {
		if o.Involves(user) {
			ended = append(ended, o)
			continue
		}
		kept = append(kept, o)
	}
	for i := len(kept); i < len(h.offers); i++ {
		h.offers[i] = nil
	}
	h.offers = kept

	for _, o := range ended {
		delete(h.byOfferer, o.OffererUserName)
		h.notifyHangupLocked(o, user)
		log.Info().Str("user_name", user).Str("offerer", o.OffererUserName).Str("answerer", o.Answerer()).Msg("Call ended")
	}
	return len(ended)
}

// ownsLocked drops events from a connection that a newer one under the same
// user name has replaced.
func (h *Hub) ownsLocked(p Peer) bool {
	if cur, ok := h.peers[p.Username()]; ok && cur.ID() == p.ID() {
		return true
	}
	peerLogger(p).Debug().Msg("Event from replaced connection ignored")
	return false
}

func (h *Hub) notifyHangupLocked(o *models.Offer, user string) {
	other := o.Other(user)
	if other == "" {
		return
	}
	if peer, ok := h.peers[other]; ok {
		peer.Emit(models.EventHangup, nil)
	}
}

func (h *Hub) removeOfferLocked(target *models.Offer) {
	for i, o := range h.offers {
		if o == target {
			copy(h.offers[i:], h.offers[i+1:])
			h.offers[len(h.offers)-1] = nil
			h.offers = h.offers[:len(h.offers)-1]
			break
		}
	}
	delete(h.byOfferer, target.OffererUserName)
}

func (h *Hub) findByAnswererLocked(user string) *models.Offer {
	for _, o := range h.offers {
		if o.Answered() && o.Answerer() == user {
			return o
		}
	}
	return nil
}

func (h *Hub) snapshotLocked() []*models.Offer {
	return append([]*models.Offer{}, h.offers...)
}

func peerLogger(p Peer) *zerolog.Logger {
	l := log.With().Str("conn_id", p.ID()).Str("user_name", p.Username()).Logger()
	return &l
}
