// Package adminapi exposes the small operator surface a dispute
// resolution explicitly requires: it is an operator/API action, not
// automatic, plus basic channel inspection, over plain JSON/HTTP. The
// trader/LP-facing message transport is out of scope for the
// coordinator's core, but these operator actions are the coordinator's
// own, so they get a minimal net/http surface rather than depending on
// an external transport this repository doesn't own.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/photonx/coordinator/internal/cerrors"
	"github.com/photonx/coordinator/internal/clog"
	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/settlement"
	"github.com/photonx/coordinator/internal/statemachine"
)

var log = clog.SubLogger(clog.SubsystemMain)

// Server is the operator-facing HTTP handler.
type Server struct {
	sm      *statemachine.Machine
	settler *settlement.Driver
	mux     *http.ServeMux
}

// New builds a Server. Mount it with http.ListenAndServe(addr, srv).
func New(sm *statemachine.Machine, settler *settlement.Driver) *Server {
	s := &Server{sm: sm, settler: settler, mux: http.NewServeMux()}
	s.mux.HandleFunc("/v1/channels/state", s.handleState)
	s.mux.HandleFunc("/v1/channels/resolve-dispute", s.handleResolveDispute)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ChannelStateResponse is the JSON shape returned by /v1/channels/state.
type ChannelStateResponse struct {
	ChannelID string `json:"channel_id"`
	Status    string `json:"status"`
	Nonce     uint64 `json:"nonce"`
	Trader    string `json:"trader"`
	LP        string `json:"lp"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("channel_id")
	id, err := codec.ParseChannelID(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := s.sm.GetState(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ChannelStateResponse{
		ChannelID: rec.ChannelID.String(),
		Status:    rec.Status.String(),
		Nonce:     rec.Nonce,
		Trader:    rec.Trader.String(),
		LP:        rec.LP.String(),
	})
}

// ResolveDisputeRequest is the JSON body for /v1/channels/resolve-dispute.
type ResolveDisputeRequest struct {
	ChannelID    string `json:"channel_id"`
	AcceptStaged bool   `json:"accept_staged"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, cerrors.New(cerrors.KindShape, "POST required"))
		return
	}

	var req ResolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := codec.ParseChannelID(req.ChannelID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := s.settler.ResolveDispute(r.Context(), id, req.AcceptStaged)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ChannelStateResponse{
		ChannelID: rec.ChannelID.String(),
		Status:    rec.Status.String(),
		Nonce:     rec.Nonce,
		Trader:    rec.Trader.String(),
		LP:        rec.LP.String(),
	})
}

// ErrorResponse matches the transport-boundary error contract: every
// user-visible failure carries the channel id, the failing nonce, and
// the error kind.
type ErrorResponse struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	ChannelID string `json:"channel_id,omitempty"`
	Nonce     uint64 `json:"nonce,omitempty"`
}

func writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := cerrors.KindOf(err); ok {
		if kind == cerrors.KindNotFound {
			status = http.StatusNotFound
		}
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Kind: "internal", Message: err.Error()}
	if cerr, ok := err.(*cerrors.Error); ok {
		resp.Kind = cerr.Kind.String()
		resp.ChannelID = cerr.ChannelID
		if cerr.Nonce != nil {
			resp.Nonce = *cerr.Nonce
		}
	}
	log.Warnf("admin api error: %v", err)
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
