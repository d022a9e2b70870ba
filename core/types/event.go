package types

// Event is the flattened, broadcastable form of a state-change event.
type Event struct {
	Type       string            `json:"type"`
	Layer      Layer             `json:"layer,omitempty"`
	Attributes map[string]string `json:"attributes"`
}
