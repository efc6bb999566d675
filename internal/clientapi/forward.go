package clientapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Konstantin-Sh/passvault/internal/apperror"
	"github.com/Konstantin-Sh/passvault/pkg/raft"
)

// rawOp decodes a raw JSON request body, runs the matching Server
// method, and re-encodes the result, so the exact same dispatch table
// backs both a direct HTTP route and a forwarded /v1/internal/forward
// call.
type rawOp func(ctx context.Context, s *Server, body []byte) ([]byte, error)

func decodeInto(body []byte, v interface{}) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: cannot decode request: %v", apperror.ErrInternal, err)
	}
	return nil
}

var rawOps = map[string]rawOp{
	"Register": func(ctx context.Context, s *Server, body []byte) ([]byte, error) {
		var req RegisterRequest
		if err := decodeInto(body, &req); err != nil {
			return nil, err
		}
		res, err := s.Register(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	},
	"SetOne": func(ctx context.Context, s *Server, body []byte) ([]byte, error) {
		var req SetOneRequest
		if err := decodeInto(body, &req); err != nil {
			return nil, err
		}
		if err := s.SetOne(ctx, req); err != nil {
			return nil, err
		}
		return json.Marshal(emptyResponse{})
	},
	"SetRecords": func(ctx context.Context, s *Server, body []byte) ([]byte, error) {
		var req SetRecordsRequest
		if err := decodeInto(body, &req); err != nil {
			return nil, err
		}
		if err := s.SetRecords(ctx, req); err != nil {
			return nil, err
		}
		return json.Marshal(emptyResponse{})
	},
	"DeleteById": func(ctx context.Context, s *Server, body []byte) ([]byte, error) {
		var req DeleteByIdRequest
		if err := decodeInto(body, &req); err != nil {
			return nil, err
		}
		if err := s.DeleteById(ctx, req); err != nil {
			return nil, err
		}
		return json.Marshal(emptyResponse{})
	},
	"DeleteAll": func(ctx context.Context, s *Server, body []byte) ([]byte, error) {
		var req AuthOnlyRequest
		if err := decodeInto(body, &req); err != nil {
			return nil, err
		}
		if err := s.DeleteAll(ctx, req); err != nil {
			return nil, err
		}
		return json.Marshal(emptyResponse{})
	},
}

// ForwardAddresses maps a raft.ServerId to the host:port its client
// API listens on, so a non-leader node can relay a write to whichever
// replica it currently believes is leader. Set once at startup by
// cmd/passvaultd from the cluster's static configuration.
type ForwardAddresses map[raft.ServerId]string

// Dispatch runs methodName locally and, if that fails because this
// replica is not the leader, forwards the same raw request on to
// whichever replica it has a hint for. It backs both the direct HTTP
// write handlers in handlers.go and hForward, the endpoint a peer calls to relay a
// request it could not serve itself.
func (s *Server) Dispatch(ctx context.Context, methodName string, body []byte) ([]byte, error) {
	op, ok := rawOps[methodName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown forwarded method %q", apperror.ErrInternal, methodName)
	}

	out, err := op(ctx, s, body)
	if err == nil {
		return out, nil
	}

	var notLeader *apperror.NotLeaderError
	if errors.As(err, &notLeader) && notLeader.Hint != "" && s.ForwardAddrs != nil {
		return s.forwardToLeader(ctx, s.ForwardAddrs, notLeader.Hint, methodName, body)
	}

	return nil, err
}

// forwardToLeader transparently forwards the raw request to the
// leader and relays its response back. When the hint has no known
// address or the call itself fails, the caller sees a plain
// NotLeaderError with no hint, so it falls back to its own
// retry-with-backoff loop rather than chasing a stale lead. A non-2xx
// reply from the leader, or a reply that cannot be decoded, is
// returned as an ErrInternal error.
func (s *Server) forwardToLeader(ctx context.Context, addrs ForwardAddresses, hint raft.ServerId, methodName string, body []byte) ([]byte, error) {
	if hint == "" {
		return nil, &apperror.NotLeaderError{}
	}

	address, ok := addrs[hint]
	if !ok {
		return nil, &apperror.NotLeaderError{}
	}

	envelope := struct {
		Method  string `json:"method"`
		Payload []byte `json:"payload"`
	}{Method: methodName, Payload: body}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot encode forwarded request: %v", apperror.ErrInternal, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		"http://"+address+"/v1/internal/forward", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot build forward request: %v", apperror.ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		s.Log.Error("cannot forward %s to %s: %v", methodName, address, err)
		return nil, &apperror.NotLeaderError{}
	}
	defer res.Body.Close()

	var out struct {
		Payload []byte `json:"payload"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: cannot decode forwarded response: %v", apperror.ErrInternal, err)
	}

	if res.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.Unmarshal(out.Payload, &apiErr)
		return nil, fmt.Errorf("%w: leader rejected forwarded %s: %s", apperror.ErrInternal, methodName, apiErr.Error)
	}

	return out.Payload, nil
}
