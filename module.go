package durablestreams

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/nearform/durable-streams-go/cursor"
	"github.com/nearform/durable-streams-go/notify"
	"github.com/nearform/durable-streams-go/ratelimit"
	"github.com/nearform/durable-streams-go/store"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the Durable Streams Protocol as a Caddy HTTP handler
type Handler struct {
	// DataDir is the directory for storing stream data
	// If empty, uses in-memory storage (for testing)
	DataDir string `json:"data_dir,omitempty"`

	// MaxFileHandles is the maximum number of open file handles to cache
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEMaxDuration bounds the lifetime of one SSE connection; the
	// publisher closes the stream once it has been open this long so a
	// CDN can recollapse the next connection from the same offset.
	SSEMaxDuration caddy.Duration `json:"sse_max_duration,omitempty"`

	// WebhookCallbackURL is the base URL for webhook callback endpoints.
	// If set, enables the webhook subscription system.
	WebhookCallbackURL string `json:"webhook_callback_url,omitempty"`

	// RateLimitCapacity and RateLimitRefillPerSecond configure the
	// per-client token bucket. Leaving both zero disables rate limiting
	// (the no-op policy), matching the protocol's opt-in default.
	RateLimitCapacity        int     `json:"rate_limit_capacity,omitempty"`
	RateLimitRefillPerSecond float64 `json:"rate_limit_refill_per_second,omitempty"`

	// MaxBodyBytes caps the size of a single PUT or POST body. Zero uses
	// bodylimit.DefaultMaxBytes.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`

	store          store.Store
	logger         *zap.Logger
	webhookManager *notify.Manager
	webhookRoutes  *notify.Routes
	cursorPolicy   *cursor.Policy
	rateLimiter    ratelimit.Limiter
}

// CaddyModule returns the Caddy module information
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	// Set defaults
	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 100
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEMaxDuration == 0 {
		h.SSEMaxDuration = caddy.Duration(60 * time.Second)
	}

	h.cursorPolicy = cursor.NewDefaultPolicy()

	if h.RateLimitCapacity > 0 && h.RateLimitRefillPerSecond > 0 {
		h.rateLimiter = ratelimit.NewTokenBucket(h.RateLimitCapacity, h.RateLimitRefillPerSecond)
		h.logger.Info("rate limiting enabled",
			zap.Int("capacity", h.RateLimitCapacity),
			zap.Float64("refill_per_second", h.RateLimitRefillPerSecond))
	} else {
		h.rateLimiter = ratelimit.Noop{}
	}

	// Initialize store
	if h.DataDir == "" {
		// Use in-memory store for testing
		h.store = store.NewMemoryStore()
		h.logger.Info("using in-memory store (no data_dir configured)")
	} else {
		// Use file-backed store
		fileStore, err := store.NewFileStore(store.FileStoreConfig{
			DataDir:        h.DataDir,
			MaxFileHandles: h.MaxFileHandles,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize file store: %w", err)
		}
		h.store = fileStore
		h.logger.Info("using file-backed store", zap.String("data_dir", h.DataDir))
	}

	// Initialize webhook manager if callback URL is configured
	if h.WebhookCallbackURL != "" {
		getTailOffset := func(path string) string {
			meta, err := h.store.Get(path)
			if err != nil {
				return "-1"
			}
			return meta.CurrentOffset.String()
		}
		isStreamClosed := func(path string) bool {
			meta, err := h.store.Get(path)
			if err != nil {
				return false
			}
			return meta.Closed
		}
		h.webhookManager = notify.NewManager(h.WebhookCallbackURL, getTailOffset, isStreamClosed, h.logger)
		h.webhookRoutes = notify.NewRoutes(h.webhookManager)
		h.logger.Info("webhook subscriptions enabled", zap.String("callback_url", h.WebhookCallbackURL))
	}

	return nil
}

// Validate ensures the handler configuration is valid
func (h *Handler) Validate() error {
	return nil
}

// Cleanup releases resources
func (h *Handler) Cleanup() error {
	if h.webhookManager != nil {
		h.webhookManager.Shutdown()
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    max_file_handles 100
//	    long_poll_timeout 30s
//	    sse_max_duration 60s
//	    rate_limit 50 10
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "max_file_handles":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxFileHandles, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_file_handles: %v", err)
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_max_duration":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SSEMaxDuration = caddy.Duration(dur)
			case "webhook_callback_url":
				if !d.Args(&h.WebhookCallbackURL) {
					return d.ArgErr()
				}
			case "max_body_bytes":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					return d.Errf("invalid max_body_bytes: %v", err)
				}
				h.MaxBodyBytes = n
			case "rate_limit":
				var capVal, refillVal string
				if !d.Args(&capVal, &refillVal) {
					return d.ArgErr()
				}
				capacity, err := parseIntArg(capVal)
				if err != nil {
					return d.Errf("invalid rate_limit capacity: %v", err)
				}
				refill, err := strconv.ParseFloat(refillVal, 64)
				if err != nil {
					return d.Errf("invalid rate_limit refill rate: %v", err)
				}
				h.RateLimitCapacity = capacity
				h.RateLimitRefillPerSecond = refill
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
