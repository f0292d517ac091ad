package api

import (
	"errors"
	"net/http"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/auth"
	"github.com/danmuck/edgemart/internal/failure"
	"github.com/danmuck/edgemart/internal/host"
	"github.com/danmuck/edgemart/internal/observability"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/gin-gonic/gin"
)

var errBadRequest = errors.New("api: bad request")

var kindStatus = map[failure.Kind]int{
	failure.KindUnauthorized:       http.StatusUnauthorized,
	failure.KindValidation:         http.StatusBadRequest,
	failure.KindNotFound:           http.StatusNotFound,
	failure.KindResourceAllocation: http.StatusServiceUnavailable,
	failure.KindRemoteCall:         http.StatusBadGateway,
	failure.KindConflict:           http.StatusConflict,
	failure.KindDomain:             http.StatusUnprocessableEntity,
	failure.KindInternal:           http.StatusInternalServerError,
}

// classify picks a kind for errors that reach the surface unclassified, such as raw registry
// query errors.
func classify(err error) failure.Kind {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, address.ErrInvalid):
		return failure.KindValidation
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, registry.ErrUnauthorized):
		return failure.KindUnauthorized
	case errors.Is(err, host.ErrUnknownInstance), errors.Is(err, registry.ErrNotInstalled):
		return failure.KindNotFound
	case errors.Is(err, registry.ErrGeneric), errors.Is(err, registry.ErrGenericBatch):
		return failure.KindValidation
	default:
		return failure.KindInternal
	}
}

func statusOf(kind failure.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	kind := classify(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusOf(kind), gin.H{"error": err.Error(), "kind": kind})
}

// authenticate resolves the bearer token, if any. Requests without one continue as anonymous.
func (s *Server) authenticate(c *gin.Context) {
	token := auth.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		c.Set(observability.CallerKey, address.Anonymous)
		c.Next()
		return
	}
	id, err := s.authn.Authenticate(token)
	if err != nil {
		writeError(c, failure.Unauthorized("api.authenticate", err))
		return
	}
	c.Set(observability.CallerKey, id)
	c.Next()
}

func requireCaller(c *gin.Context) {
	if caller(c).IsAnonymous() {
		writeError(c, failure.Unauthorized("api.authenticate", auth.ErrUnauthorized))
		return
	}
	c.Next()
}

func caller(c *gin.Context) address.Address {
	v, ok := c.Get(observability.CallerKey)
	if !ok {
		return address.Anonymous
	}
	id, _ := v.(address.Address)
	return id
}
