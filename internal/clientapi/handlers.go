package clientapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/galdor/go-service/pkg/shttp"
	"github.com/julienschmidt/httprouter"

	"github.com/Konstantin-Sh/passvault/internal/apperror"
)

// RegisterRoutes wires the nine client operations plus the
// cluster-management and forwarding surface onto httpServer, the way
// cmd/kvstore/api_server.go's initRoutes wires its toy store's routes.
func (s *Server) RegisterRoutes(httpServer *shttp.Server) {
	httpServer.Route("/v1/register", "POST", s.hDispatch("Register"))
	httpServer.Route("/v1/nonce/:userId", "GET", s.hGetNonce)
	httpServer.Route("/v1/records/list", "POST", s.hGetList)
	httpServer.Route("/v1/records/all", "POST", s.hGetAll)
	httpServer.Route("/v1/records/get", "POST", s.hGetById)
	httpServer.Route("/v1/records", "POST", s.hDispatch("SetOne"))
	httpServer.Route("/v1/records/batch", "POST", s.hDispatch("SetRecords"))
	httpServer.Route("/v1/records/delete", "POST", s.hDispatch("DeleteById"))
	httpServer.Route("/v1/records", "DELETE", s.hDispatch("DeleteAll"))
	httpServer.Route("/v1/internal/forward", "POST", s.hForward)
	httpServer.Route("/v1/cluster/init", "POST", s.hClusterInit)
	httpServer.Route("/v1/cluster/learners", "POST", s.hAddLearner)
	httpServer.Route("/v1/cluster/membership", "POST", s.hChangeMembership)
	httpServer.Route("/v1/cluster/status", "GET", s.hClusterStatus)
}

func readBody(h *shttp.Handler) ([]byte, bool) {
	body, err := io.ReadAll(h.Request.Body)
	if err != nil {
		writeError(h.ResponseWriter, apperror.ErrInternal)
		return nil, false
	}
	return body, true
}

func readJSON(h *shttp.Handler, v interface{}) bool {
	body, ok := readBody(h)
	if !ok {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(h.ResponseWriter, apperror.ErrInternal)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), struct {
		Error string `json:"error"`
	}{err.Error()})
}

func pathParam(h *shttp.Handler, name string) string {
	return httprouter.ParamsFromContext(h.Request.Context()).ByName(name)
}

// hDispatch returns a route handler that runs methodName through
// Dispatch, the path every write shares with a forwarded request from
// a peer, so a client talking to a follower gets the same transparent
// relay-to-leader behavior as hForward does for peer-originated calls.
func (s *Server) hDispatch(methodName string) shttp.RouteFunc {
	return func(h *shttp.Handler) {
		body, ok := readBody(h)
		if !ok {
			return
		}

		out, err := s.Dispatch(h.Request.Context(), methodName, body)
		if err != nil {
			writeError(h.ResponseWriter, err)
			return
		}

		h.ResponseWriter.Header().Set("Content-Type", "application/json")
		h.ResponseWriter.WriteHeader(http.StatusOK)
		h.ResponseWriter.Write(out)
	}
}

func (s *Server) hGetNonce(h *shttp.Handler) {
	userId := []byte(pathParam(h, "userId"))
	res, err := s.GetNonce(userId)
	if err != nil {
		writeError(h.ResponseWriter, err)
		return
	}
	writeJSON(h.ResponseWriter, http.StatusOK, res)
}

func (s *Server) hGetList(h *shttp.Handler) {
	var req AuthOnlyRequest
	if !readJSON(h, &req) {
		return
	}
	res, err := s.GetList(req.Auth)
	if err != nil {
		writeError(h.ResponseWriter, err)
		return
	}
	writeJSON(h.ResponseWriter, http.StatusOK, res)
}

func (s *Server) hGetAll(h *shttp.Handler) {
	var req AuthOnlyRequest
	if !readJSON(h, &req) {
		return
	}
	res, err := s.GetAll(req.Auth)
	if err != nil {
		writeError(h.ResponseWriter, err)
		return
	}
	writeJSON(h.ResponseWriter, http.StatusOK, res)
}

func (s *Server) hGetById(h *shttp.Handler) {
	var req GetByIdRequest
	if !readJSON(h, &req) {
		return
	}
	res, err := s.GetById(req)
	if err != nil {
		writeError(h.ResponseWriter, err)
		return
	}
	writeJSON(h.ResponseWriter, http.StatusOK, res)
}

// hForward is the leader-side counterpart of forwardToLeader: any
// replica that believes it is the leader accepts a raw (method,
// payload) envelope from a peer and dispatches it exactly as if the
// client had called it directly.
func (s *Server) hForward(h *shttp.Handler) {
	var envelope struct {
		Method  string `json:"method"`
		Payload []byte `json:"payload"`
	}
	if !readJSON(h, &envelope) {
		return
	}

	out, err := s.Dispatch(h.Request.Context(), envelope.Method, envelope.Payload)
	if err != nil {
		writeError(h.ResponseWriter, err)
		return
	}

	writeJSON(h.ResponseWriter, http.StatusOK, struct {
		Payload []byte `json:"payload"`
	}{out})
}
