package models

import (
	"errors"

	"github.com/goccy/go-json"
)

// Kind is the closed set of event types carried over the channel.
type Kind string

const (
	KindUnknown           Kind = ""
	KindJoin              Kind = "join"
	KindLeave             Kind = "leave"
	KindChat              Kind = "chat"
	KindTyping            Kind = "typing"
	KindTypingIndicator   Kind = "typing_indicator"
	KindReadReceipt       Kind = "read_receipt"
	KindReadReceiptUpdate Kind = "read_receipt_update"
	KindGetOnlineUsers    Kind = "get_online_users"
	KindOnlineUsersList   Kind = "online_users_list"
	KindUserStatus        Kind = "user_status"
	KindOffer             Kind = "offer"
	KindAnswer            Kind = "answer"
	KindICE               Kind = "ice"
	KindEndCall           Kind = "end_call"
	KindReject            Kind = "reject"
	KindMissedCall        Kind = "missed_call"
)

var knownKinds = map[string]Kind{
	string(KindJoin):              KindJoin,
	string(KindLeave):             KindLeave,
	string(KindChat):              KindChat,
	string(KindTyping):            KindTyping,
	string(KindTypingIndicator):   KindTypingIndicator,
	string(KindReadReceipt):       KindReadReceipt,
	string(KindReadReceiptUpdate): KindReadReceiptUpdate,
	string(KindGetOnlineUsers):    KindGetOnlineUsers,
	string(KindOnlineUsersList):   KindOnlineUsersList,
	string(KindUserStatus):        KindUserStatus,
	string(KindOffer):             KindOffer,
	string(KindAnswer):            KindAnswer,
	string(KindICE):               KindICE,
	string(KindEndCall):           KindEndCall,
	string(KindReject):            KindReject,
	string(KindMissedCall):        KindMissedCall,
}

// ParseKind maps a wire type string onto Kind. Unrecognised strings map to
// KindUnknown.
func ParseKind(s string) Kind {
	if k, ok := knownKinds[s]; ok {
		return k
	}
	return KindUnknown
}

// ErrNoType is returned by Decode for frames without a "type" field.
var ErrNoType = errors.New("event has no type")

// Event is one frame on the channel. The wire format is a flat JSON object;
// which fields are populated depends on Type.
type Event struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// chat
	Recipient     string `json:"recipient,omitempty"`
	Message       string `json:"message,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	TempMessageID string `json:"temp_message_id,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
	Read          *bool  `json:"read,omitempty"`

	// typing / presence
	IsTyping *bool    `json:"is_typing,omitempty"`
	Username string   `json:"username,omitempty"`
	IsOnline *bool    `json:"is_online,omitempty"`
	Users    []string `json:"users,omitempty"`

	// negotiation
	Offer       *SessionDescription `json:"offer,omitempty"`
	Answer      *SessionDescription `json:"answer,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
	IsGroupCall bool                `json:"is_group_call,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

// Kind returns the closed-enumeration kind of the event.
func (e Event) Kind() Kind {
	return ParseKind(e.Type)
}

// Sender returns who originated the event. The relay stamps "from"; typing
// indicators and presence deltas carry "username" instead.
func (e Event) Sender() string {
	if e.From != "" {
		return e.From
	}
	return e.Username
}

// SessionDescription mirrors RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Bool returns a pointer to b, for the optional boolean wire fields.
func Bool(b bool) *bool {
	return &b
}

// Encode marshals an event for the wire.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses one wire frame.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	if e.Type == "" {
		return Event{}, ErrNoType
	}
	return e, nil
}

// BroadcastMessage is a pre-encoded frame addressed to a relay target.
type BroadcastMessage struct {
	Target  Target
	Exclude string
	Payload []byte
}

// TargetKind selects the relay fan-out group.
type TargetKind string

const (
	TargetRoom     TargetKind = "room"
	TargetUser     TargetKind = "user"
	TargetPresence TargetKind = "presence"
)

// Target addresses a relay fan-out group: every connection in a room, every
// connection of a user, or every connection at all.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

func RoomTarget(room string) Target { return Target{Kind: TargetRoom, ID: room} }
func UserTarget(user string) Target { return Target{Kind: TargetUser, ID: user} }
func PresenceTarget() Target        { return Target{Kind: TargetPresence} }
