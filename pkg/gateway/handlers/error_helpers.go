package handlers

import (
	"net/http"

	"github.com/vango-go/live-relay/pkg/gateway/apierror"
	"github.com/vango-go/live-relay/pkg/gateway/mw"
)

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, t apierror.Type, code, message string) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.WriteHTTP(w, status, reqID, t, code, message)
}
