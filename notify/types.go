package notify

import (
	"sync"
	"time"
)

// ConsumerState is one state in a consumer's wake lifecycle: it starts
// IDLE, moves to WAKING once a matching stream event fires a callback, and
// reaches LIVE once the consumer claims its wake ID and starts acking.
type ConsumerState string

const (
	StateIDLE   ConsumerState = "IDLE"
	StateWAKING ConsumerState = "WAKING"
	StateLIVE   ConsumerState = "LIVE"
)

// Subscription is a standing watch over every stream whose path matches
// Pattern (see glob.go). Creating a matching stream registers a consumer
// under it; an append wakes each idle consumer with unacked data by calling
// Webhook; a delete drops the stream from its consumers.
type Subscription struct {
	SubscriptionID string `json:"subscription_id"`
	Pattern        string `json:"pattern"`
	Webhook        string `json:"webhook"`
	WebhookSecret  string `json:"webhook_secret,omitempty"`
	Description    string `json:"description,omitempty"`
}

// ConsumerInstance tracks one (subscription, stream) pairing from the
// moment a matching stream is created through every wake and whatever
// callback traffic follows.
type ConsumerInstance struct {
	mu sync.Mutex

	ConsumerID     string
	SubscriptionID string
	PrimaryStream  string
	State          ConsumerState
	Epoch          int
	WakeID         string
	WakeIDClaimed  bool
	Streams        map[string]string // path -> last acked offset
	LastCallbackAt time.Time

	LastWebhookFailureAt  *time.Time
	FirstWebhookFailureAt *time.Time
	RetryCount            int

	// Closing either channel cancels the corresponding background timer.
	retryCancel    chan struct{}
	livenessCancel chan struct{}
}

// CancelRetry cancels any pending retry timer.
func (c *ConsumerInstance) CancelRetry() {
	if c.retryCancel != nil {
		close(c.retryCancel)
		c.retryCancel = nil
	}
}

// CancelLiveness cancels any pending liveness timer.
func (c *ConsumerInstance) CancelLiveness() {
	if c.livenessCancel != nil {
		close(c.livenessCancel)
		c.livenessCancel = nil
	}
}

// CallbackRequest is the JSON body sent by consumers to the callback endpoint.
type CallbackRequest struct {
	Epoch       int        `json:"epoch"`
	WakeID      string     `json:"wake_id,omitempty"`
	Acks        []AckEntry `json:"acks,omitempty"`
	Subscribe   []string   `json:"subscribe,omitempty"`
	Unsubscribe []string   `json:"unsubscribe,omitempty"`
	Done        *bool      `json:"done,omitempty"`
}

// AckEntry represents an offset acknowledgment for a stream.
type AckEntry struct {
	Path   string `json:"path"`
	Offset string `json:"offset"`
}

// StreamEntry represents a stream, its last-acked offset, and whether the
// stream has since closed — a woken consumer uses Closed to know it should
// stop polling that path instead of waiting on data that will never arrive.
type StreamEntry struct {
	Path   string `json:"path"`
	Offset string `json:"offset"`
	Closed bool   `json:"closed,omitempty"`
}

// CallbackSuccess is returned on a successful callback.
type CallbackSuccess struct {
	OK      bool          `json:"ok"`
	Token   string        `json:"token"`
	Streams []StreamEntry `json:"streams"`
}

// CallbackErrorResponse is returned on a failed callback.
type CallbackErrorResponse struct {
	OK    bool           `json:"ok"`
	Error CallbackErrObj `json:"error"`
	Token string         `json:"token,omitempty"`
}

// CallbackErrObj holds the error code and message.
type CallbackErrObj struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error code constants.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeTokenExpired   = "TOKEN_EXPIRED"
	ErrCodeTokenInvalid   = "TOKEN_INVALID"
	ErrCodeAlreadyClaimed = "ALREADY_CLAIMED"
	ErrCodeInvalidOffset  = "INVALID_OFFSET"
	ErrCodeStaleEpoch     = "STALE_EPOCH"
	ErrCodeConsumerGone   = "CONSUMER_GONE"
)

// ErrorCodeToHTTPStatus maps callback error codes to HTTP status codes.
var ErrorCodeToHTTPStatus = map[string]int{
	ErrCodeInvalidRequest: 400,
	ErrCodeTokenExpired:   401,
	ErrCodeTokenInvalid:   401,
	ErrCodeAlreadyClaimed: 409,
	ErrCodeInvalidOffset:  409,
	ErrCodeStaleEpoch:     409,
	ErrCodeConsumerGone:   410,
}
