package middleware

import (
	"net/http"
)

// Every write endpoint takes a small JSON envelope: an SDP blob for create
// and answer, a single ICE candidate for trickle, a status word for
// transitions. A session description with a full candidate trawl stays well
// under 64KB, so 256KB is generous headroom while still refusing bodies that
// would only feed the JSON decoder garbage.
const DefaultMaxBodySize = 256 << 10

type BodyLimitMiddleware struct {
	maxSize int64
}

func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reject on the declared length when the client sends one; the
		// MaxBytesReader below catches chunked uploads that lie.
		if r.Body != nil && r.ContentLength > m.maxSize {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "Request body too large",
			})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		next.ServeHTTP(w, r)
	})
}
