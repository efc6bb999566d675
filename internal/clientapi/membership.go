package clientapi

import (
	"net/http"

	"github.com/galdor/go-service/pkg/shttp"

	"github.com/Konstantin-Sh/passvault/internal/apperror"
	"github.com/Konstantin-Sh/passvault/pkg/raft"
)

type addLearnerRequest struct {
	Id raft.ServerId `json:"id"`
}

type changeMembershipRequest struct {
	Voters []raft.ServerId `json:"voters"`
}

// hClusterInit commits the founding membership entry (every configured
// server as a voter). It succeeds only against the current leader.
func (s *Server) hClusterInit(h *shttp.Handler) {
	if err := s.Raft.Init(h.Request.Context()); err != nil {
		writeError(h.ResponseWriter, apperror.FromRaftError(err))
		return
	}
	writeJSON(h.ResponseWriter, http.StatusOK, emptyResponse{})
}

func (s *Server) hAddLearner(h *shttp.Handler) {
	var req addLearnerRequest
	if !readJSON(h, &req) {
		return
	}
	if err := s.Raft.AddLearner(h.Request.Context(), req.Id); err != nil {
		writeError(h.ResponseWriter, apperror.FromRaftError(err))
		return
	}
	writeJSON(h.ResponseWriter, http.StatusOK, emptyResponse{})
}

func (s *Server) hChangeMembership(h *shttp.Handler) {
	var req changeMembershipRequest
	if !readJSON(h, &req) {
		return
	}
	if err := s.Raft.ChangeMembership(h.Request.Context(), req.Voters); err != nil {
		writeError(h.ResponseWriter, apperror.FromRaftError(err))
		return
	}
	writeJSON(h.ResponseWriter, http.StatusOK, emptyResponse{})
}

func (s *Server) hClusterStatus(h *shttp.Handler) {
	writeJSON(h.ResponseWriter, http.StatusOK, s.Raft.Status())
}
