// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package requestcontext

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/audit-trail/pkg/audit"
)

func newRequest(actor *audit.Actor) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/employees", nil)
	if actor != nil {
		req = req.WithContext(WithUser(req.Context(), actor))
	}
	return req
}

func TestRequestAndUser(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, Request(ctx))
	assert.Nil(t, User(ctx))

	actor := &audit.Actor{ID: "7", Username: "admin"}
	req := newRequest(actor)
	ctx = WithRequest(ctx, req)

	assert.Same(t, req, Request(ctx))
	assert.Same(t, actor, User(ctx))

	cleared := Clear(ctx)
	assert.Nil(t, Request(cleared))
	assert.Nil(t, User(cleared))
	assert.Same(t, req, Request(ctx), "parent context is unaffected")
}

func TestUser_RequestWithoutUser(t *testing.T) {
	ctx := WithRequest(context.Background(), newRequest(nil))
	assert.NotNil(t, Request(ctx))
	assert.Nil(t, User(ctx))
}

func TestScope(t *testing.T) {
	req := newRequest(&audit.Actor{ID: "1"})
	outer := context.Background()

	var seen *http.Request
	err := Scope(outer, req, func(ctx context.Context) error {
		seen = Request(ctx)
		return errors.New("handler failed")
	})
	assert.Error(t, err)
	assert.Same(t, req, seen)
	assert.Nil(t, Request(outer))

	assert.Panics(t, func() {
		_ = Scope(outer, req, func(context.Context) error { panic("boom") })
	})
	assert.Nil(t, Request(outer))
}

func TestRequestInfo(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *http.Request)
		cookie  string
		wantIP  string
		wantSID string
	}{
		{
			name:   "remote addr",
			setup:  func(r *http.Request) { r.RemoteAddr = "10.1.2.3:5555" },
			wantIP: "10.1.2.3",
		},
		{
			name: "forwarded for takes first entry",
			setup: func(r *http.Request) {
				r.RemoteAddr = "10.1.2.3:5555"
				r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
			},
			wantIP: "203.0.113.9",
		},
		{
			name: "default session cookie",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "sessionid", Value: "abc"})
			},
			wantIP:  "192.0.2.1",
			wantSID: "abc",
		},
		{
			name: "custom session cookie",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "sessionid", Value: "wrong"})
				r.AddCookie(&http.Cookie{Name: "hr_session", Value: "right"})
			},
			cookie:  "hr_session",
			wantIP:  "192.0.2.1",
			wantSID: "right",
		},
		{
			name:   "unparseable remote addr",
			setup:  func(r *http.Request) { r.RemoteAddr = "pipe" },
			wantIP: "pipe",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("User-Agent", "hr-client/1.0")
			tc.setup(req)

			info := RequestInfo(req, tc.cookie)
			assert.Equal(t, tc.wantIP, info.IPAddress)
			assert.Equal(t, "hr-client/1.0", info.UserAgent)
			assert.Equal(t, tc.wantSID, info.SessionKey)
		})
	}
}

func TestInfo(t *testing.T) {
	assert.Nil(t, Info(context.Background(), ""))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	info := Info(WithRequest(context.Background(), req), "")
	require.NotNil(t, info)
	assert.Equal(t, "192.0.2.1", info.IPAddress)
}
