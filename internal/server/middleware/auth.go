// Package middleware contains HTTP middleware for the build server.
package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"slices"
	"strings"

	"buildhook/internal/auth"
	"buildhook/internal/config"
	"buildhook/pkg/api"
)

// Resolver looks up host names for an address.
type Resolver func(ctx context.Context, addr string) ([]string, error)

// Authorizer checks callers against the configured tokens and addresses.
type Authorizer struct {
	cfg     config.AuthConfig
	tokens  auth.KeySet
	resolve Resolver
}

// NewAuthorizer creates an Authorizer. Host names are resolved with the
// default resolver.
func NewAuthorizer(cfg config.AuthConfig) *Authorizer {
	return &Authorizer{
		cfg:     cfg,
		tokens:  auth.NewKeySet(cfg.AllowedTokens),
		resolve: net.DefaultResolver.LookupAddr,
	}
}

// WithResolver replaces the reverse lookup used for hostname checks.
func (a *Authorizer) WithResolver(r Resolver) *Authorizer {
	a.resolve = r
	return a
}

// Authorized reports whether r passes the configured auth_type.
func (a *Authorizer) Authorized(r *http.Request) bool {
	switch a.cfg.AuthType {
	case config.AuthToken:
		return a.tokenAllowed(r)
	case config.AuthAddress:
		return a.addressAllowed(r)
	case config.AuthBoth:
		return a.tokenAllowed(r) && a.addressAllowed(r)
	default:
		return false
	}
}

// Middleware rejects unauthorized requests with a structured 401.
func (a *Authorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Authorized(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(api.BuildResponse{
				Message: "Unauthorized Access",
				Status:  api.StatusUnauthorized,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authorizer) tokenAllowed(r *http.Request) bool {
	var candidates []string
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			candidates = append(candidates, token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		candidates = append(candidates, token)
	}

	for _, token := range candidates {
		if a.tokens.Contains(token) {
			return true
		}
	}
	return false
}

// addressAllowed checks the connection's remote address. Forwarding headers
// are ignored since any client can set them.
func (a *Authorizer) addressAllowed(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	switch a.cfg.AddressType {
	case config.AddressIP:
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		for _, allowed := range a.cfg.AllowedAddresses {
			if allowedIP := net.ParseIP(allowed); allowedIP != nil && allowedIP.Equal(ip) {
				return true
			}
		}
		return false
	case config.AddressHostname:
		if slices.Contains(a.cfg.AllowedAddresses, host) {
			return true
		}
		names, err := a.resolve(r.Context(), host)
		if err != nil {
			return false
		}
		for _, name := range names {
			if slices.Contains(a.cfg.AllowedAddresses, strings.TrimSuffix(name, ".")) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
