// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

// Package requestcontext carries the current inbound request and its
// authenticated actor on a context.Context.
//
// Middleware installs the request once per call:
//
//	ctx = requestcontext.WithRequest(ctx, req)
//
// and audit code reads it back without knowing about the web layer:
//
//	actor := requestcontext.User(ctx)
//	info := requestcontext.Info(ctx, "sessionid")
//
// Absence is always a nil return, never an error.
package requestcontext

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/telekom/audit-trail/pkg/audit"
)

// DefaultSessionCookie is the cookie that carries the session key.
const DefaultSessionCookie = "sessionid"

type (
	requestKey struct{}
	userKey    struct{}
)

// WithRequest returns a context holding req as the current request. A nil req
// clears any request installed by an outer scope.
func WithRequest(ctx context.Context, req *http.Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// Request returns the current request or nil.
func Request(ctx context.Context) *http.Request {
	if ctx == nil {
		return nil
	}
	req, _ := ctx.Value(requestKey{}).(*http.Request)
	return req
}

// Clear returns a context in which no request and no user are visible.
func Clear(ctx context.Context) context.Context {
	return WithRequest(ctx, nil)
}

// WithUser attaches an authenticated actor to a request context. Auth
// middleware calls this on the request's own context before the request is
// installed with WithRequest.
func WithUser(ctx context.Context, actor *audit.Actor) context.Context {
	return context.WithValue(ctx, userKey{}, actor)
}

// User derives the actor from the current request. It returns nil when there
// is no request or the request carries no user.
func User(ctx context.Context) *audit.Actor {
	req := Request(ctx)
	if req == nil {
		return nil
	}
	actor, _ := req.Context().Value(userKey{}).(*audit.Actor)
	return actor
}

// Scope runs fn with req installed as the current request. The request is
// only visible through the context passed to fn.
func Scope(ctx context.Context, req *http.Request, fn func(ctx context.Context) error) error {
	return fn(WithRequest(ctx, req))
}

// Info extracts request metadata for the current request, or nil.
func Info(ctx context.Context, sessionCookie string) *audit.RequestInfo {
	req := Request(ctx)
	if req == nil {
		return nil
	}
	info := RequestInfo(req, sessionCookie)
	return &info
}

// RequestInfo extracts client IP, user agent and session key from req.
func RequestInfo(req *http.Request, sessionCookie string) audit.RequestInfo {
	if sessionCookie == "" {
		sessionCookie = DefaultSessionCookie
	}
	info := audit.RequestInfo{
		IPAddress: ClientIP(req),
		UserAgent: req.UserAgent(),
	}
	if c, err := req.Cookie(sessionCookie); err == nil {
		info.SessionKey = c.Value
	}
	return info
}

// ClientIP returns the first X-Forwarded-For entry, else the host part of RemoteAddr.
func ClientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
