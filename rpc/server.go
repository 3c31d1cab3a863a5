// SPDX-License-Identifier: MIT
// Dev: KryperAI

// Package rpc exposes the xrouter client over a local HTTP JSON API.
package rpc

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"xrouter/payment"
	"xrouter/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBody caps request bodies.
const maxBody = 1 << 20

// Backend is the client the API serves. node.App implements it.
type Backend interface {
	Call(ctx context.Context, cmd types.Command, service string, confirmations int, params []string) (string, string)
	GetReply(uuid string) string
	Connect(ctx context.Context, fq string, count int) (string, error)
	NodeConfigs() string
	Status() string
	Reload() error
	OpenChannel(ctx context.Context, addr types.PeerAddress, deposit float64, ttl time.Duration) (*payment.Channel, error)
}

type Server struct {
	app  Backend
	mux  *http.ServeMux
	http *http.Server
}

func NewServer(app Backend) *Server {
	s := &Server{
		app: app,
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves the API on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("rpc: listening on %s", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/xr/{currency}/{command}", s.handleWalletCall)
	s.mux.HandleFunc("/xrs/{service}", s.handleServiceCall)
	s.mux.HandleFunc("/reply/{uuid}", s.handleReply)
	s.mux.HandleFunc("/connect", s.handleConnect)
	s.mux.HandleFunc("/configs", s.handleConfigs)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/reload", s.handleReload)
	s.mux.HandleFunc("/channel", s.handleChannel)
}

// -------------------- basic handlers --------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleConfigs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeRaw(w, http.StatusOK, s.app.NodeConfigs())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeRaw(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.app.Reload(); err != nil {
		httpError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "reloaded",
	})
}

// -------------------- calls --------------------

type callRequest struct {
	Params        []string `json:"params"`
	Confirmations int      `json:"confirmations"`
}

func (s *Server) handleWalletCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := r.PathValue("command")
	if !strings.HasPrefix(name, types.NamespaceWallet) {
		name = types.NamespaceWallet + name
	}
	cmd := types.CommandFromString(name)
	if !cmd.IsWallet() {
		httpError(w, http.StatusNotFound, "unknown command "+r.PathValue("command"))
		return
	}
	s.call(w, r, cmd, r.PathValue("currency"))
}

func (s *Server) handleServiceCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.call(w, r, types.Service, r.PathValue("service"))
}

func (s *Server) call(w http.ResponseWriter, r *http.Request, cmd types.Command, service string) {
	var req callRequest
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request json")
		return
	}
	reply, uuid := s.app.Call(r.Context(), cmd, service, req.Confirmations, req.Params)
	writeRaw(w, http.StatusOK, withUUID(reply, uuid))
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeRaw(w, http.StatusOK, s.app.GetReply(r.PathValue("uuid")))
}

type connectRequest struct {
	Service string `json:"service"`
	Count   int    `json:"count"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req connectRequest
	if err := decodeBody(r, &req); err != nil || req.Service == "" {
		httpError(w, http.StatusBadRequest, "invalid connect json")
		return
	}
	out, err := s.app.Connect(r.Context(), req.Service, req.Count)
	if err != nil {
		writeRaw(w, http.StatusOK, types.ErrorReply(err))
		return
	}
	writeRaw(w, http.StatusOK, out)
}

type channelRequest struct {
	Node    string  `json:"node"`
	Deposit float64 `json:"deposit"`
	TTL     string  `json:"ttl"`
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req channelRequest
	if err := decodeBody(r, &req); err != nil || req.Node == "" {
		httpError(w, http.StatusBadRequest, "invalid channel json")
		return
	}
	ttl := 24 * time.Hour
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			httpError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = d
	}
	ch, err := s.app.OpenChannel(r.Context(), types.PeerAddress(req.Node), req.Deposit, ttl)
	if err != nil {
		writeRaw(w, http.StatusOK, types.ErrorReply(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       ch.ID(),
		"node":     req.Node,
		"deposit":  ch.Remaining().ToBTC(),
		"deadline": ch.Deadline,
	})
}

// -------------------- helpers --------------------

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

// withUUID adds the query uuid to an object reply that lacks one.
func withUUID(reply, uuid string) string {
	var obj map[string]jsoniter.RawMessage
	if err := json.UnmarshalFromString(reply, &obj); err != nil {
		return reply
	}
	if _, ok := obj["uuid"]; ok {
		return reply
	}
	obj["uuid"], _ = json.Marshal(uuid)
	out, err := json.MarshalToString(obj)
	if err != nil {
		return reply
	}
	return out
}

func writeRaw(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := io.WriteString(w, body+"\n"); err != nil {
		log.Printf("rpc: write error: %v\n", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("rpc: write json error: %v\n", err)
		b = []byte(`{"error":"internal error"}`)
		code = http.StatusInternalServerError
	}
	writeRaw(w, code, string(b))
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error": msg,
	})
}
