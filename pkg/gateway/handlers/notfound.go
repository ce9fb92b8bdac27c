package handlers

import (
	"net/http"

	"github.com/vango-go/live-relay/pkg/gateway/apierror"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, r, http.StatusNotFound, apierror.TypeNotFound, "not_found", "not found")
}
