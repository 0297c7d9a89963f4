// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"runplane/internal/auth"
	"runplane/internal/store"
	"runplane/pkg/api"
)

// nodeKey is the context key for the authenticated node.
type nodeKey struct{}

// NodeLookup resolves an API key hash to the node that owns it.
type NodeLookup interface {
	GetNodeByAPIKeyHash(ctx context.Context, hash string) (*store.Node, error)
}

// NodeAuth authenticates node-protocol requests: the bearer token is the
// node's API key, looked up by hash. The authenticated node lands in the
// request context.
func NodeAuth(nodes NodeLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				unauthorized(w, "Invalid authorization header")
				return
			}

			node, err := nodes.GetNodeByAPIKeyHash(r.Context(), auth.HashKey(parts[1]))
			if errors.Is(err, store.ErrNotFound) {
				unauthorized(w, "Unknown API key")
				return
			}
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(api.ErrorResponse{
					Error: "Authentication lookup failed",
					Code:  "500",
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithNode(r.Context(), node)))
		})
	}
}

// NewContextWithNode returns a context carrying an authenticated node.
func NewContextWithNode(ctx context.Context, node *store.Node) context.Context {
	return context.WithValue(ctx, nodeKey{}, node)
}

// NodeFromContext extracts the authenticated node from the context.
func NodeFromContext(ctx context.Context) (*store.Node, bool) {
	node, ok := ctx.Value(nodeKey{}).(*store.Node)
	return node, ok
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  "401",
	})
}
