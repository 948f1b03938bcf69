package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/astraguard/keygate/internal/auth/apikey"
	"github.com/astraguard/keygate/internal/observability"
	"github.com/astraguard/keygate/internal/secrets"
)

// KeyResponse describes a key. Token is masked except in the reply to
// create.
type KeyResponse struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Token        string            `json:"token"`
	Permissions  []string          `json:"permissions"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	LastUsed     *time.Time        `json:"last_used,omitempty"`
	RequestCount int64             `json:"request_count"`
}

// CreateKeyRequest is the body of POST /v1/keys.
type CreateKeyRequest struct {
	Name        string            `json:"name" binding:"required"`
	Permissions []string          `json:"permissions"`
	Metadata    map[string]string `json:"metadata"`
	ExpiresAt   *time.Time        `json:"expires_at"`
}

// WhoAmIResponse is the body of GET /v1/whoami.
type WhoAmIResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

func (s *Server) whoami(c *gin.Context) {
	key, _ := KeyFromContext(c)
	c.JSON(http.StatusOK, WhoAmIResponse{
		ID:          key.ID,
		Name:        key.Name,
		Permissions: s.gate.Effective(key),
	})
}

func (s *Server) listKeys(c *gin.Context) {
	keys := s.svc.Store().List()

	out := make([]KeyResponse, 0, len(keys))
	for _, key := range keys {
		out = append(out, newKeyResponse(key, key.MaskedToken()))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	var opts []apikey.CreateOption
	if req.ExpiresAt != nil {
		opts = append(opts, apikey.WithExpiry(*req.ExpiresAt))
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	if _, ok := metadata[apikey.MetadataSource]; !ok {
		metadata[apikey.MetadataSource] = apikey.SourceAPI
	}

	ctx := c.Request.Context()
	key, err := s.svc.Store().Create(ctx, req.Name, req.Permissions, metadata, opts...)
	switch {
	case errors.Is(err, apikey.ErrMalformed):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	case errors.Is(err, apikey.ErrConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "key already exists"})
		return
	case err != nil:
		s.logger.WithContext(ctx).Error("failed to create API key", observability.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	caller, _ := KeyFromContext(c)
	s.logger.WithContext(ctx).Info("API key created",
		observability.String("key_id", key.ID),
		observability.String("name", key.Name),
		observability.String("created_by", caller.ID),
	)

	c.JSON(http.StatusCreated, newKeyResponse(key, key.Token))
}

func (s *Server) revokeKey(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	err := s.svc.Store().RevokeByID(ctx, id)
	switch {
	case errors.Is(err, apikey.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "key not found"})
		return
	case err != nil:
		s.logger.WithContext(ctx).Error("failed to revoke API key",
			observability.String("key_id", id),
			observability.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	caller, _ := KeyFromContext(c)
	s.logger.WithContext(ctx).Info("API key revoked",
		observability.String("key_id", id),
		observability.String("revoked_by", caller.ID),
	)
	c.Status(http.StatusNoContent)
}

func newKeyResponse(key *apikey.APIKey, token string) KeyResponse {
	resp := KeyResponse{
		ID:           key.ID,
		Name:         key.Name,
		Token:        token,
		Permissions:  key.Permissions(),
		Metadata:     maskMetadata(key.Metadata()),
		CreatedAt:    key.CreatedAt,
		RequestCount: key.RequestCount(),
	}
	if exp, ok := key.ExpiresAt(); ok {
		resp.ExpiresAt = &exp
	}
	if last := key.LastUsed(); !last.IsZero() {
		resp.LastUsed = &last
	}
	return resp
}

// maskMetadata hides values stored under secret-looking names.
func maskMetadata(metadata map[string]string) map[string]string {
	for k, v := range metadata {
		if secrets.IsSecretName(k) {
			metadata[k] = secrets.Mask(v, secrets.DefaultVisibleChars)
		}
	}
	return metadata
}
