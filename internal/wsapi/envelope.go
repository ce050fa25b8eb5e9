package wsapi

import "time"

// inboundType enumerates the recognized client-to-server frame types.
// Anything else is logged and ignored per the reader pump's contract.
type inboundType string

const (
	inboundMessageSend inboundType = "message:send"
	inboundPing        inboundType = "ping"
)

// inboundFrame is the flat wire shape of every client-to-server frame.
// Fields irrelevant to Type are left zero; the decoder does not validate
// cross-field presence beyond what the send path itself checks.
type inboundFrame struct {
	Type           inboundType `json:"type"`
	ConversationID uint64      `json:"conversationId"`
	Body           string      `json:"body"`
	TempID         string      `json:"tempId"`
}

// outboundType enumerates the server-to-client frame types.
type outboundType string

const (
	outboundMessageNew  outboundType = "message:new"
	outboundPong        outboundType = "pong"
	outboundSystemError outboundType = "system:error"
)

type messagePayload struct {
	ID             uint64    `json:"id"`
	ConversationID uint64    `json:"conversationId"`
	SenderID       uint64    `json:"senderId"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

type messageNewFrame struct {
	Type    outboundType   `json:"type"`
	TempID  string         `json:"tempId,omitempty"`
	Message messagePayload `json:"message"`
}

type pongFrame struct {
	Type outboundType `json:"type"`
}

type systemErrorFrame struct {
	Type outboundType `json:"type"`
	Code string       `json:"code"`
}
