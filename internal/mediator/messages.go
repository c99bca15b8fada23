package mediator

// Message bodies for the protocols C6 implements. Field names mirror the
// DIDComm wire conventions (snake_case), not Go field names.

type MediateGrantBody struct {
	RoutingDID string `json:"routing_did"`
}

type MediateDenyBody struct {
	Reason string `json:"reason,omitempty"`
}

type KeylistUpdateItem struct {
	RecipientDID string `json:"recipient_did"`
	Action       string `json:"action"`
}

type KeylistUpdateBody struct {
	Updates []KeylistUpdateItem `json:"updates"`
}

type KeylistUpdateResultItem struct {
	RecipientDID string `json:"recipient_did"`
	Action       string `json:"action"`
	Result       string `json:"result"`
}

type KeylistUpdateResponseBody struct {
	Updated []KeylistUpdateResultItem `json:"updated"`
}

type KeylistQueryBody struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type KeylistKeyItem struct {
	RecipientDID string `json:"recipient_did"`
}

type KeylistBody struct {
	Keys   []KeylistKeyItem `json:"keys"`
	Cursor string            `json:"cursor,omitempty"`
}

type ForwardBody struct {
	Next string `json:"next"`
}

type StatusRequestBody struct {
	RecipientDID string `json:"recipient_did,omitempty"`
}

type StatusBody struct {
	RecipientDID         string  `json:"recipient_did,omitempty"`
	MessageCount         uint64  `json:"message_count"`
	LongestWaitedSeconds float64 `json:"longest_waited_seconds,omitempty"`
	NewestReceivedTime   int64   `json:"newest_received_time,omitempty"`
	OldestReceivedTime   int64   `json:"oldest_received_time,omitempty"`
	TotalBytes           uint64  `json:"total_bytes,omitempty"`
	LiveDelivery         bool    `json:"live_delivery"`
}

type DeliveryRequestBody struct {
	Limit        int    `json:"limit,omitempty"`
	RecipientDID string `json:"recipient_did,omitempty"`
}

type DeliveryBody struct {
	RecipientDID string `json:"recipient_did,omitempty"`
}

type MessagesReceivedBody struct {
	MessageIDList []string `json:"message_id_list"`
}

type LiveDeliveryChangeBody struct {
	LiveDelivery bool   `json:"live_delivery"`
	RecipientDID string `json:"recipient_did,omitempty"`
}

type PingBody struct {
	ResponseRequested bool `json:"response_requested"`
}

type FeatureQuery struct {
	FeatureType string `json:"feature-type"`
	Match       string `json:"match"`
}

type DiscoverQueriesBody struct {
	Queries []FeatureQuery `json:"queries"`
}

type Disclosure struct {
	FeatureType string `json:"feature-type"`
	ID          string `json:"id"`
}

type DiscoverDiscloseBody struct {
	Disclosures []Disclosure `json:"disclosures"`
}
