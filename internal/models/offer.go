package models

import "encoding/json"

// Offer is a pending or answered call negotiation between two users.
//
// SDP and ICE payloads are kept as raw JSON and relayed untouched.
type Offer struct {
	OffererUserName       string            `json:"offererUserName"`
	Offer                 json.RawMessage   `json:"offer"`
	OfferIceCandidates    []json.RawMessage `json:"offerIceCandidates"`
	AnswererUserName      *string           `json:"answererUserName"`
	Answer                json.RawMessage   `json:"answer"`
	AnswererIceCandidates []json.RawMessage `json:"answererIceCandidates"`
	OfferingTo            string            `json:"offeringTo"`

	// Display metadata, carried for the UI only.
	OffererFullName string          `json:"offererFullName,omitempty"`
	ScheduledTime   string          `json:"scheduledTime,omitempty"`
	AppointmentID   json.RawMessage `json:"appointmentId,omitempty"`
}

// NewOffer builds an unanswered offer from a client request.
func NewOffer(offerer string, req NewOfferRequest) *Offer {
	return &Offer{
		OffererUserName:       offerer,
		Offer:                 req.Offer,
		OfferIceCandidates:    []json.RawMessage{},
		AnswererIceCandidates: []json.RawMessage{},
		OfferingTo:            req.OfferTo,
		OffererFullName:       req.OffererFullName,
		ScheduledTime:         req.ScheduledTime,
		AppointmentID:         req.AppointmentID,
	}
}

// Answered reports whether an answer has been accepted for the offer.
func (o *Offer) Answered() bool {
	return o.AnswererUserName != nil
}

// Answerer returns the answerer's user name, or "" while unanswered.
func (o *Offer) Answerer() string {
	if o.AnswererUserName == nil {
		return ""
	}
	return *o.AnswererUserName
}

// SetAnswer records the answer. It must only be called once per offer.
func (o *Offer) SetAnswer(answerer string, answer json.RawMessage) {
	o.AnswererUserName = &answerer
	o.Answer = answer
}

// Involves reports whether user is the offerer or the answerer.
func (o *Offer) Involves(user string) bool {
	return o.OffererUserName == user || (o.Answered() && o.Answerer() == user)
}

// Other returns the counterpart of user in the call, or "" if there is none yet.
func (o *Offer) Other(user string) string {
	if o.OffererUserName == user {
		return o.Answerer()
	}
	return o.OffererUserName
}

// Clone returns a deep copy safe to hand out of the hub.
func (o *Offer) Clone() Offer {
	c := *o
	c.Offer = cloneRaw(o.Offer)
	c.Answer = cloneRaw(o.Answer)
	c.AppointmentID = cloneRaw(o.AppointmentID)
	c.OfferIceCandidates = cloneRawList(o.OfferIceCandidates)
	c.AnswererIceCandidates = cloneRawList(o.AnswererIceCandidates)
	if o.AnswererUserName != nil {
		name := *o.AnswererUserName
		c.AnswererUserName = &name
	}
	return c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneRawList(l []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(l))
	for i, r := range l {
		out[i] = cloneRaw(r)
	}
	return out
}
