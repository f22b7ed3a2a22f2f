// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package zulip

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedServer walks a Zulip session through register/poll/expire
// scenarios, one scripted step per /events call.
type scriptedServer struct {
	mu        sync.Mutex
	registers int
	steps     []func(w http.ResponseWriter)
	step      int
}

func (s *scriptedServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch r.URL.Path {
		case "/api/v1/register":
			s.registers++
			fmt.Fprintf(w, `{"result":"success","msg":"","queue_id":"q%d","last_event_id":%d}`, s.registers, s.registers*100)
		case "/api/v1/events":
			if s.step < len(s.steps) {
				next := s.steps[s.step]
				s.step++
				next(w)
				return
			}
			// past the script: hold the poll open like a quiet server
			s.mu.Unlock()
			<-r.Context().Done()
			s.mu.Lock()
		default:
			http.NotFound(w, r)
		}
	})
}

func (s *scriptedServer) registerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers
}

func eventsStep(body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		fmt.Fprint(w, body)
	}
}

func expiredStep() func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"result":"error","msg":"Bad event queue id: q1","code":"BAD_EVENT_QUEUE_ID"}`)
	}
}

func TestSessionExpiryReregistersWithoutBackoff(t *testing.T) {
	script := &scriptedServer{
		steps: []func(w http.ResponseWriter){
			eventsStep(`{"result":"success","msg":"","events":[
				{"id":101,"type":"message","flags":["mentioned"],"message":{"id":1,"type":"stream","sender_id":7,"sender_full_name":"Ada","content":"<p>hi</p>","subject":"t","display_recipient":"general"}}
			]}`),
			expiredStep(),
		},
	}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	client := newTestClient(t, server.URL)

	var mu sync.Mutex
	var received []int64
	gotMessage := make(chan struct{}, 8)

	session := NewSession(zaptest.NewLogger(t), client, SessionConfig{
		Keepalive:    time.Second,
		ErrorBackoff: 10 * time.Millisecond,
	}, func(ctx context.Context, event MessageEvent) {
		mu.Lock()
		received = append(received, event.Message.ID)
		mu.Unlock()
		gotMessage <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	select {
	case <-gotMessage:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the first message")
	}

	// the expiry step forces a second registration; wait for it
	require.Eventually(t, func() bool {
		return script.registerCount() >= 2
	}, 10*time.Second, 10*time.Millisecond, "an expired queue must trigger re-registration")

	require.Eventually(t, func() bool {
		state, _ := session.Status()
		return state == StateConnected && session.Handle().QueueID == "q2"
	}, 10*time.Second, 10*time.Millisecond, "the session must resume on the fresh queue")

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop on cancellation")
	}

	state, lastError := session.Status()
	require.Equal(t, StateDisconnected, state)
	require.Empty(t, lastError)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{1}, received)
}

func TestSessionBacksOffOnTransientErrors(t *testing.T) {
	script := &scriptedServer{
		steps: []func(w http.ResponseWriter){
			func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, `{"result":"error","msg":"boom"}`)
			},
			eventsStep(`{"result":"success","msg":"","events":[
				{"id":101,"type":"message","flags":[],"message":{"id":2,"type":"private","sender_id":7,"sender_full_name":"Ada","content":"<p>psst</p>","display_recipient":[{"id":17}]}}
			]}`),
		},
	}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	client := newTestClient(t, server.URL)

	gotMessage := make(chan int64, 8)
	session := NewSession(zaptest.NewLogger(t), client, SessionConfig{
		Keepalive:    time.Second,
		ErrorBackoff: 10 * time.Millisecond,
	}, func(ctx context.Context, event MessageEvent) {
		gotMessage <- event.Message.ID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	select {
	case id := <-gotMessage:
		require.Equal(t, int64(2), id, "the session must recover after a transient failure")
	case <-time.After(10 * time.Second):
		t.Fatal("session never recovered from the failed poll")
	}

	require.Equal(t, 1, script.registerCount(), "transient errors must not force re-registration")

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop on cancellation")
	}
}

func TestSessionSetKeepaliveRestartsPoll(t *testing.T) {
	var mu sync.Mutex
	var timeouts []string
	polling := make(chan struct{}, 8)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/register":
			fmt.Fprint(w, `{"result":"success","msg":"","queue_id":"q1","last_event_id":0}`)
		case "/api/v1/events":
			mu.Lock()
			timeouts = append(timeouts, r.URL.Query().Get("blocking_timeout"))
			mu.Unlock()
			polling <- struct{}{}
			<-r.Context().Done()
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	session := NewSession(zaptest.NewLogger(t), client, SessionConfig{
		Keepalive:    30 * time.Second,
		ErrorBackoff: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	select {
	case <-polling:
	case <-time.After(10 * time.Second):
		t.Fatal("first poll never arrived")
	}

	// changing the keepalive cancels the in-flight poll; the next poll
	// must carry the new value
	session.SetKeepalive(45 * time.Second)

	select {
	case <-polling:
	case <-time.After(10 * time.Second):
		t.Fatal("poll did not restart after the keepalive change")
	}

	mu.Lock()
	require.Equal(t, []string{"30", "45"}, timeouts)
	mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop on cancellation")
	}
}
