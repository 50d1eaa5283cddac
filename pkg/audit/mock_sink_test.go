/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errSimulated = errors.New("simulated failure")

// mockSink records events and can simulate failures.
type mockSink struct {
	name       string
	mu         sync.Mutex
	events     []*Event
	payloads   [][]byte
	fail       atomic.Bool
	failErr    error
	writeDelay time.Duration
	closed     atomic.Int32
	order      *[]string
}

func newMockSink(name string) *mockSink {
	return &mockSink{name: name}
}

func (s *mockSink) Write(_ context.Context, event *Event) error {
	if s.writeDelay > 0 {
		time.Sleep(s.writeDelay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.order != nil {
		*s.order = append(*s.order, s.name)
	}
	if s.fail.Load() {
		if s.failErr != nil {
			return s.failErr
		}
		return errSimulated
	}
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	s.events = append(s.events, event)
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *mockSink) Close() error {
	s.closed.Add(1)
	return nil
}

func (s *mockSink) Name() string {
	return s.name
}

func (s *mockSink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *mockSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *mockSink) Payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.payloads))
	copy(out, s.payloads)
	return out
}

func strPtr(s string) *string {
	return &s
}

func sampleEvent() *Event {
	return &Event{
		Action:        ActionChange,
		ObjectType:    "hr.employee",
		ObjectID:      strPtr("42"),
		ObjectRepr:    "Jane Doe",
		User:          &UserInfo{ID: "7", Username: "admin"},
		Request:       &RequestInfo{IPAddress: "10.0.0.1", UserAgent: "test-agent", SessionKey: "abc"},
		ChangeMessage: TextMessage("Object modified"),
	}
}
