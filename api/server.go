// Package api serves the sync facade over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"arbsync/auth"
	"arbsync/cache"
	"arbsync/dispute"
	"arbsync/logging"
	"arbsync/metrics"
	"arbsync/model"
	"arbsync/syncer"
)

// Authenticator is the part of auth.Service the server uses.
type Authenticator interface {
	Challenge(ctx context.Context, account common.Address) (auth.Challenge, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (common.Address, auth.Role, error)
}

type Server struct {
	facade syncer.Facade
	auth   Authenticator
	hub    *Hub
	router *mux.Router
}

func NewServer(facade syncer.Facade, authenticator Authenticator, hub *Hub) *Server {
	s := &Server{
		facade: facade,
		auth:   authenticator,
		hub:    hub,
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(requestLogger)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/challenge", s.handleChallenge).Methods(http.MethodPost)
	s.router.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)

	authed := s.router.PathPrefix("/api").Subrouter()
	authed.Use(s.requireToken)
	authed.HandleFunc("/arbitrators/{arbitrator}/disputes/{id}", s.handleDispute).Methods(http.MethodGet)
	authed.HandleFunc("/notifications", s.handleUnread).Methods(http.MethodGet)
	authed.HandleFunc("/notifications/stateful", s.handleStateful).Methods(http.MethodGet)
	authed.HandleFunc("/notifications/stream", s.handleStream).Methods(http.MethodGet)
	authed.HandleFunc("/notifications/{txHash}/{logIndex}/read", s.handleMarkRead).Methods(http.MethodPost)
	authed.HandleFunc("/watch", s.handleWatch).Methods(http.MethodPost)
	authed.HandleFunc("/watch", s.handleUnwatch).Methods(http.MethodDelete)
}

type ctxIdentityKey struct{}

type identity struct {
	account common.Address
	role    auth.Role
}

func identityFrom(ctx context.Context) identity {
	id, _ := ctx.Value(ctxIdentityKey{}).(identity)
	return id
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := logging.WithLogField(r.Context(), "request", reqID)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logging.L(ctx).Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}
		account, role, err := s.auth.VerifyToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxIdentityKey{}, identity{account: account, role: role})
		ctx = logging.WithLogField(ctx, "viewer", account.Hex())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req auth.ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	c, err := s.auth.Challenge(r.Context(), req.Account)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	switch {
	case errors.Is(err, auth.ErrInvalidSignature),
		errors.Is(err, auth.ErrExpiredChallenge),
		errors.Is(err, auth.ErrUnknownChallenge):
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["arbitrator"]) {
		writeError(w, r, http.StatusBadRequest, "invalid arbitrator address")
		return
	}
	id, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid dispute id")
		return
	}
	view, err := s.facade.GetDisputeView(r.Context(), common.HexToAddress(vars["arbitrator"]), id, identityFrom(r.Context()).account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	out, err := s.facade.GetUnreadNotifications(r.Context(), identityFrom(r.Context()).account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) handleStateful(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	isJuror := id.role == auth.RoleJuror
	if v := r.URL.Query().Get("juror"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid juror flag")
			return
		}
		isJuror = b
	}
	out, err := s.facade.GetStatefulNotifications(r.Context(), id.account, isJuror)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	raw := vars["txHash"]
	if len(raw) != 66 || !strings.HasPrefix(raw, "0x") {
		writeError(w, r, http.StatusBadRequest, "invalid transaction hash")
		return
	}
	idx, err := strconv.ParseUint(vars["logIndex"], 10, 32)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid log index")
		return
	}
	key := model.NotificationKey{
		TxHash:   common.HexToHash(raw),
		LogIndex: uint(idx),
		Subject:  r.URL.Query().Get("subject"),
	}
	if err := s.facade.MarkNotificationRead(r.Context(), identityFrom(r.Context()).account, key); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type watchResponse struct {
	Account  common.Address `json:"account"`
	Watching bool           `json:"watching"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	account := identityFrom(r.Context()).account
	if err := s.facade.WatchForEvents(r.Context(), account, s.hub.Publish); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, watchResponse{Account: account, Watching: true})
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	account := identityFrom(r.Context()).account
	s.facade.StopWatchingForEvents(account)
	writeJSON(w, http.StatusOK, watchResponse{Account: account, Watching: false})
}

// handleStream writes pushed notifications as server-sent events until the
// client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	account := identityFrom(r.Context()).account
	events, cancel := s.hub.Subscribe(account)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case n := <-events:
			data, err := json.Marshal(n)
			if err != nil {
				logging.L(r.Context()).Errorf("Encoding notification failed: %s", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: notification\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// fail maps a facade error onto a status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispute.ErrNotFound), errors.Is(err, cache.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case syncer.IsTransient(err):
		logging.L(r.Context()).Warnf("Source unavailable: %s", err)
		writeError(w, r, http.StatusServiceUnavailable, "source temporarily unavailable")
	default:
		logging.L(r.Context()).Errorf("Request failed: %s", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, _ *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func nonNil(ns []model.Notification) []model.Notification {
	if ns == nil {
		return []model.Notification{}
	}
	return ns
}
