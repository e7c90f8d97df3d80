package controllers

import (
	"net/http"

	"github.com/angelmondragon/rampledger/api/middleware"
	"github.com/angelmondragon/rampledger/api/responses"
)

func PublicPing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]string{"scope": "public", "status": "ok"})
	}
}

// OperatorPing echoes the authenticated operator, for checking issued tokens.
func OperatorPing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]string{
			"scope":    "operator",
			"status":   "ok",
			"operator": middleware.OperatorFromContext(r.Context()),
			"role":     middleware.RoleFromContext(r.Context()),
		})
	}
}
