package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/requestcontext"
	"github.com/telekom/audit-trail/pkg/system"
)

// Headers set by the authenticating reverse proxy.
const (
	HeaderUserID    = "X-Auth-User-Id"
	HeaderUserName  = "X-Auth-User"
	HeaderUserEmail = "X-Auth-Email"
	HeaderFullName  = "X-Auth-Name"
)

// ActorResolver identifies the caller of a request. A nil actor with a nil
// error means the request is anonymous.
type ActorResolver interface {
	Resolve(req *http.Request) (*audit.Actor, error)
}

// ActorResolverFunc adapts a function to ActorResolver.
type ActorResolverFunc func(req *http.Request) (*audit.Actor, error)

// Resolve calls f.
func (f ActorResolverFunc) Resolve(req *http.Request) (*audit.Actor, error) {
	return f(req)
}

// HeaderActorResolver trusts the identity headers of an authenticating proxy.
type HeaderActorResolver struct{}

// Resolve reads the X-Auth-* headers.
func (HeaderActorResolver) Resolve(req *http.Request) (*audit.Actor, error) {
	actor := &audit.Actor{
		ID:       strings.TrimSpace(req.Header.Get(HeaderUserID)),
		Username: strings.TrimSpace(req.Header.Get(HeaderUserName)),
		Email:    strings.TrimSpace(req.Header.Get(HeaderUserEmail)),
		Name:     strings.TrimSpace(req.Header.Get(HeaderFullName)),
	}
	if actor.ID == "" {
		return nil, nil
	}
	return actor, nil
}

// RequestContext installs the request and its actor on the request context
// for the duration of the handler chain, so that audit events captured while
// serving it carry the caller and the request metadata. A failing resolver
// leaves the request anonymous.
func RequestContext(resolver ActorResolver, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLog := log.With(zap.String("path", c.FullPath()))

		req := c.Request
		if resolver != nil {
			actor, err := resolver.Resolve(req)
			switch {
			case err != nil:
				reqLog.Warn("could not resolve request actor", zap.Error(err))
			case actor != nil:
				req = req.WithContext(requestcontext.WithUser(req.Context(), actor))
				reqLog = system.EnrichReqLoggerWithActor(actor, reqLog)
			}
		}
		c.Request = req.WithContext(requestcontext.WithRequest(req.Context(), req))
		c.Set(system.ReqLoggerKey, reqLog)

		c.Next()
	}
}
