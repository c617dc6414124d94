package handler

import (
	"net/http"

	"github.com/talkwire/callcore/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}
