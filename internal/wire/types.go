// Package wire defines the DIDComm v2 message-type URIs this mediator
// dispatches on and the in-process representation of an unpacked message.
package wire

import "encoding/json"

// Message-type URIs, exact strings per the DIDComm mediator protocols.
const (
	TypeMediateRequest          = "https://didcomm.org/coordinate-mediation/2.0/mediate-request"
	TypeMediateGrant            = "https://didcomm.org/coordinate-mediation/2.0/mediate-grant"
	TypeMediateDeny             = "https://didcomm.org/coordinate-mediation/2.0/mediate-deny"
	TypeKeylistUpdate           = "https://didcomm.org/coordinate-mediation/2.0/keylist-update"
	TypeKeylistUpdateResponse   = "https://didcomm.org/coordinate-mediation/2.0/keylist-update-response"
	TypeKeylistQuery            = "https://didcomm.org/coordinate-mediation/2.0/keylist-query"
	TypeKeylist                 = "https://didcomm.org/coordinate-mediation/2.0/keylist"
	TypeMediateTerminate        = "https://didcomm.org/coordinate-mediation/2.0/mediate-terminate"
	TypeForward                 = "https://didcomm.org/routing/2.0/forward"
	TypeStatusRequest           = "https://didcomm.org/messagepickup/3.0/status-request"
	TypeStatus                  = "https://didcomm.org/messagepickup/3.0/status"
	TypeDeliveryRequest         = "https://didcomm.org/messagepickup/3.0/delivery-request"
	TypeDelivery                = "https://didcomm.org/messagepickup/3.0/delivery"
	TypeMessagesReceived        = "https://didcomm.org/messagepickup/3.0/messages-received"
	TypeLiveDeliveryChange      = "https://didcomm.org/messagepickup/3.0/live-delivery-change"
	TypePing                    = "https://didcomm.org/trust-ping/2.0/ping"
	TypePingResponse            = "https://didcomm.org/trust-ping/2.0/ping-response"
	TypeDiscoverFeaturesQueries = "https://didcomm.org/discover-features/2.0/queries"
	TypeDiscoverFeaturesDisclose = "https://didcomm.org/discover-features/2.0/disclose"
	TypeProblemReport           = "https://didcomm.org/report-problem/2.0/problem-report"
)

// Attachment is an inner opaque blob carried by a Forward message, or any
// other binary payload attached to a message. The mediator never inspects
// its contents beyond byte-copying it.
type Attachment struct {
	ID       string          `json:"id,omitempty"`
	MediaType string         `json:"media_type,omitempty"`
	Data     AttachmentData  `json:"data"`
}

// AttachmentData holds the attachment payload, base64-encoded per DIDComm
// attachment conventions.
type AttachmentData struct {
	Base64 string `json:"base64,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
}

// Message is the unpacked, in-process representation of a DIDComm v2
// message as produced by the envelope engine (C3) and consumed by the
// dispatcher (C7) and protocol handlers (C6).
type Message struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	From           string          `json:"from,omitempty"`
	To             []string        `json:"to,omitempty"`
	ThreadID       string          `json:"thid,omitempty"`
	ParentThreadID string          `json:"pthid,omitempty"`
	CreatedTime    int64           `json:"created_time,omitempty"`
	ExpiresTime    int64           `json:"expires_time,omitempty"`
	Body           json.RawMessage `json:"body,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	FromPrior      string          `json:"from_prior,omitempty"`
}

// UnmarshalBody decodes the message body into v.
func (m *Message) UnmarshalBody(v any) error {
	if len(m.Body) == 0 {
		return nil
	}
	return json.Unmarshal(m.Body, v)
}

// SetBody encodes v as the message body.
func (m *Message) SetBody(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.Body = b
	return nil
}
