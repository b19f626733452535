// Package auth guards the admin surface (governance controls, review
// resolution, audit listing) with a single static API key, stored and
// compared as an Argon2id hash.
package auth

import (
	"log/slog"
	"strings"
)

// Admin verifies bearer credentials for administrative endpoints.
// With no key configured the admin surface is disabled outright rather
// than open.
type Admin struct {
	hash   string
	logger *slog.Logger
}

// NewAdmin hashes the configured API key once at startup. An empty key
// yields a disabled verifier.
func NewAdmin(apiKey string, logger *slog.Logger) (*Admin, error) {
	if apiKey == "" {
		logger.Warn("auth: no admin API key configured, admin endpoints disabled")
		return &Admin{logger: logger}, nil
	}
	hash, err := HashAPIKey(apiKey)
	if err != nil {
		return nil, err
	}
	return &Admin{hash: hash, logger: logger}, nil
}

// Enabled reports whether an admin key is configured.
func (a *Admin) Enabled() bool {
	return a.hash != ""
}

// Verify checks an Authorization header value ("Bearer <key>" or the bare
// key). Failure paths still run a hash so response timing does not reveal
// whether a key is configured.
func (a *Admin) Verify(header string) bool {
	key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if !a.Enabled() || key == "" {
		DummyVerify()
		return false
	}

	ok, err := VerifyAPIKey(key, a.hash)
	if err != nil {
		a.logger.Error("auth: verify admin key", "error", err)
		return false
	}
	return ok
}
