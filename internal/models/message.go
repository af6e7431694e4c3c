package models

import "encoding/json"

// Event names a signaling message. The names match the events the browser
// client already emits and listens for.
type Event string

const (
	// Client to server
	EventNewOffer     Event = "newOffer"
	EventGetOffers    Event = "getOffers"
	EventGetOffer     Event = "getOffer"
	EventNewAnswer    Event = "newAnswer"
	EventIceCandidate Event = "sendIceCandidateToSignalingServer"
	EventRegisterInfo Event = "registerInfo"

	// Server to client
	EventAvailableOffers  Event = "availableOffers"
	EventAvailableOffer   Event = "availableOffer"
	EventNewOfferAwaiting Event = "newOfferAwaiting"
	EventAnswerResponse   Event = "answerResponse"
	EventReceivedIce      Event = "receivedIceCandidateFromServer"
	EventAck              Event = "ack"

	// Both directions
	EventHangup Event = "hangup"
)

// Envelope is the frame exchanged over the signaling WebSocket.
//
// AckID is set by a client that expects a reply to its request; the server
// echoes it back on an EventAck frame.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID *int64          `json:"ackId,omitempty"`
}

// OutboundEnvelope is the server-side counterpart of Envelope with an
// unencoded payload.
type OutboundEnvelope struct {
	Event Event  `json:"event"`
	Data  any    `json:"data,omitempty"`
	AckID *int64 `json:"ackId,omitempty"`
}

// NewOfferRequest is the payload of EventNewOffer.
type NewOfferRequest struct {
	Offer           json.RawMessage `json:"offer"`
	OfferTo         string          `json:"offerTo"`
	OffererFullName string          `json:"offererFullName,omitempty"`
	ScheduledTime   string          `json:"scheduledTime,omitempty"`
	AppointmentID   json.RawMessage `json:"appointmentId,omitempty"`
}

// IceCandidateMessage is the payload of EventIceCandidate.
type IceCandidateMessage struct {
	DidIOffer    bool            `json:"didIOffer"`
	IceUserName  string          `json:"iceUserName"`
	IceCandidate json.RawMessage `json:"iceCandidate"`
}
