// Package bodylimit enforces the protocol's body size cap on incoming
// request bodies: reads past the configured limit fail with a canonical
// payload-too-large error instead of silently truncating or exhausting
// memory.
package bodylimit

import (
	"errors"
	"io"
	"net/http"

	"github.com/nearform/durable-streams-go/internal/protocolerr"
)

// DefaultMaxBytes is used when a handler is not otherwise configured. It
// bounds a single append or create body, not the lifetime size of a stream.
const DefaultMaxBytes int64 = 16 << 20 // 16 MiB

// Read wraps r.Body in http.MaxBytesReader and drains it, so a body over
// maxBytes both fails the read and has the connection closed by net/http
// rather than left to be drained by a client that ignores the error. A
// body exactly at the cap is read in full.
func Read(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, protocolerr.TooLarge(maxBytes)
		}
		return nil, protocolerr.Wrap(protocolerr.BadRequest, err)
	}
	return data, nil
}
