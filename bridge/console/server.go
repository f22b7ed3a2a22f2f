// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package console implements the public HTTP surface of the bridge: the
// registration lifecycle the browser extension drives, plus the status
// and VAPID key lookups it needs before subscribing. Every response is
// JSON and the surface is CORS-open because extension origins are
// unpredictable.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"

	"github.com/zulipnotifs/pushbridge/bridge/notifyfilter"
	"github.com/zulipnotifs/pushbridge/bridge/subscriptions"
	"github.com/zulipnotifs/pushbridge/bridge/webpush"
	"github.com/zulipnotifs/pushbridge/bridge/zulip"
	"github.com/zulipnotifs/pushbridge/private/web"
)

var mon = monkit.Package()

// Error is the default error class for the console package.
var Error = errs.Class("console")

// Config defines configuration for the bridge HTTP server.
type Config struct {
	Address string `help:"bridge http listening address" default:":8787"`
}

// Server exposes the bridge API over HTTP.
type Server struct {
	log *zap.Logger

	listener net.Listener
	server   http.Server

	service *subscriptions.Service
	sender  *webpush.Sender
	version string
	config  Config
}

// NewServer returns a new bridge API server.
func NewServer(log *zap.Logger, listener net.Listener, service *subscriptions.Service, sender *webpush.Sender, version string, config Config) *Server {
	server := &Server{
		log: log,

		listener: listener,

		service: service,
		sender:  sender,
		version: version,
		config:  config,
	}

	root := mux.NewRouter()
	root.Use(server.withCORS)
	root.HandleFunc("/status", server.status).Methods(http.MethodGet, http.MethodOptions)
	root.HandleFunc("/vapid-public-key", server.vapidPublicKey).Methods(http.MethodGet, http.MethodOptions)
	root.HandleFunc("/register", server.register).Methods(http.MethodPost, http.MethodOptions)
	root.HandleFunc("/update", server.update).Methods(http.MethodPost, http.MethodOptions)
	root.HandleFunc("/unregister", server.unregister).Methods(http.MethodPost, http.MethodOptions)
	root.HandleFunc("/test-push", server.testPush).Methods(http.MethodPost, http.MethodOptions)

	server.server.Handler = root
	return server
}

// Run starts the API endpoint.
func (server *Server) Run(ctx context.Context) error {
	if server.listener == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close closes the server and the underlying listener.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// withCORS handles setting CORS-related headers on an http request. The
// extension calls from arbitrary origins, so the surface is fully open.
func (server *Server) withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		handler.ServeHTTP(w, r)
	})
}

type registerRequest struct {
	Subscription struct {
		Endpoint string             `json:"endpoint"`
		Keys     subscriptions.Keys `json:"keys"`
	} `json:"subscription"`
	ZulipServerURL string              `json:"zulipServerUrl"`
	ZulipEmail     string              `json:"zulipEmail"`
	ZulipAPIKey    string              `json:"zulipApiKey"`
	Filters        *notifyfilter.Patch `json:"filters,omitempty"`
}

type registerResponse struct {
	Success  bool   `json:"success"`
	Endpoint string `json:"endpoint"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (server *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	server.serveJSON(w, map[string]string{"status": "ok", "version": server.version})
}

func (server *Server) vapidPublicKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	server.serveJSON(w, map[string]string{"publicKey": server.sender.PublicKey()})
}

func (server *Server) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var req registerRequest
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.ServeJSONError(ctx, server.log, w, http.StatusBadRequest, Error.New("malformed request body: %v", err))
		return
	}

	creds := zulip.Credentials{
		ServerURL: req.ZulipServerURL,
		Email:     req.ZulipEmail,
		APIKey:    req.ZulipAPIKey,
	}
	subscription, err := server.service.Register(ctx, req.Subscription.Endpoint, req.Subscription.Keys, creds, req.Filters)
	if err != nil {
		switch {
		case zulip.ErrUnauthorized.Has(err):
			web.ServeJSONError(ctx, server.log, w, http.StatusUnauthorized, err)
		case subscriptions.ErrBadRequest.Has(err):
			web.ServeJSONError(ctx, server.log, w, http.StatusBadRequest, err)
		default:
			web.ServeJSONError(ctx, server.log, w, http.StatusInternalServerError, Error.Wrap(err))
		}
		return
	}

	server.serveJSON(w, registerResponse{Success: true, Endpoint: subscription.Endpoint})
}

func (server *Server) update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var req struct {
		Endpoint string             `json:"endpoint"`
		Filters  notifyfilter.Patch `json:"filters"`
	}
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.ServeJSONError(ctx, server.log, w, http.StatusBadRequest, Error.New("malformed request body: %v", err))
		return
	}

	if _, err = server.service.UpdateFilters(ctx, req.Endpoint, req.Filters); err != nil {
		if subscriptions.ErrNotFound.Has(err) {
			web.ServeJSONError(ctx, server.log, w, http.StatusNotFound, err)
			return
		}
		web.ServeJSONError(ctx, server.log, w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}

	server.serveJSON(w, successResponse{Success: true})
}

func (server *Server) unregister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.ServeJSONError(ctx, server.log, w, http.StatusBadRequest, Error.New("malformed request body: %v", err))
		return
	}

	if err = server.service.Unregister(ctx, req.Endpoint); err != nil {
		web.ServeJSONError(ctx, server.log, w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}

	server.serveJSON(w, successResponse{Success: true})
}

func (server *Server) testPush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.ServeJSONError(ctx, server.log, w, http.StatusBadRequest, Error.New("malformed request body: %v", err))
		return
	}

	if err = server.service.TestPush(ctx, req.Endpoint); err != nil {
		switch {
		case subscriptions.ErrNotFound.Has(err):
			web.ServeJSONError(ctx, server.log, w, http.StatusNotFound, err)
		case webpush.ErrGone.Has(err):
			// the service already removed the record
			web.ServeJSONError(ctx, server.log, w, http.StatusGone, err)
		default:
			web.ServeJSONError(ctx, server.log, w, http.StatusInternalServerError, Error.Wrap(err))
		}
		return
	}

	server.serveJSON(w, successResponse{Success: true})
}

func (server *Server) serveJSON(w http.ResponseWriter, response interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		server.log.Error("failed to encode response", zap.Error(err))
	}
}
