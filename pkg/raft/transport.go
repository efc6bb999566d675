package raft

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transport delivers RPCMsg values to other replicas and accepts
// incoming ones. It is the one collaborator this module treats as
// external: the wire format (length-delimited JSON-framed HTTP
// bodies, following this package's existing EncodeRPCMsg/DecodeRPCMsg)
// is fixed, but the actual carrier is swappable so a future in-process
// multi-node test harness could run many servers in one process over
// an in-memory fake instead of real sockets.
type Transport interface {
	Listen() error
	Close() error

	// Send delivers msg to recipientId. Implementations deliver
	// asynchronously; a nil error only means the message was handed
	// off, not that it arrived.
	Send(recipientId ServerId, msg RPCMsg) error
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}

	return &client
}

// httpTransport is the production Transport, grounded on the
// teacher's original HTTP+JSON server: one POST handler per peer,
// X-Raft-Source-Id identifying the sender, messages delivered to the
// owning Server's rpcChan for single-threaded processing.
type httpTransport struct {
	server *Server

	httpServer *http.Server
	httpClient *http.Client
}

func newHTTPTransport(s *Server) *httpTransport {
	return &httpTransport{server: s}
}

func (t *httpTransport) Listen() error {
	listener, err := net.Listen("tcp", string(t.server.LocalAddress))
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", t.server.LocalAddress, err)
	}

	t.httpServer = &http.Server{
		Addr:              string(t.server.LocalAddress),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           t,
	}

	t.httpClient = newHTTPClient()

	go func() {
		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				t.server.Log.Error("panic: %s\n%s", msg, trace)
			}
		}()

		if err := t.httpServer.Serve(listener); err != http.ErrServerClosed {
			t.server.errorChan <- fmt.Errorf("server error: %w", err)
			return
		}
	}()

	return nil
}

func (t *httpTransport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	return t.httpServer.Shutdown(ctx)
}

func (t *httpTransport) Send(recipientId ServerId, msg RPCMsg) error {
	s := t.server

	s.Log.Debug(2, "sending %v to %s", msg, recipientId)

	msgData, err := EncodeRPCMsg(msg)
	if err != nil {
		return fmt.Errorf("cannot encode message: %w", err)
	}

	recipient, found := s.Cfg.Servers[recipientId]
	if !found {
		return fmt.Errorf("unknown recipient id %q", recipientId)
	}

	address := recipient.PublicAddress

	uri := url.URL{
		Scheme: "http",
		Host:   string(address),
	}

	req, err := http.NewRequest("POST", uri.String(), bytes.NewReader(msgData))
	if err != nil {
		return fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set("X-Raft-Source-Id", string(s.Id))

	go t.sendMsgRequest(address, msg, req)

	return nil
}

func (t *httpTransport) sendMsgRequest(address ServerAddress, msg RPCMsg, req *http.Request) {
	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			t.server.Log.Error("cannot send request: panic: %s\n%s", msg, trace)
		}
	}()

	res, err := t.httpClient.Do(req)
	if err != nil {
		t.server.Log.Error("cannot send %v to %s: %v", msg, address, err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != 204 {
		var errMsg string

		body, err := ioutil.ReadAll(res.Body)
		if err == nil {
			errMsg = string(body)

			if idx := strings.IndexAny(errMsg, "\r\n"); idx > 0 {
				errMsg = errMsg[:idx]
			}

			if errMsg != "" {
				errMsg = ": " + errMsg
			}
		} else {
			t.server.Log.Error("cannot read response from %s: %v", address, err)
		}

		t.server.Log.Error("http request to %s failed with status %d%s",
			address, res.StatusCode, errMsg)
	}
}

func (t *httpTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s := t.server

	sourceId := req.Header.Get("X-Raft-Source-Id")
	if sourceId == "" {
		t.replyError(w, 400, "missing or empty X-Raft-Source-Id header field")
		return
	}

	data, err := ioutil.ReadAll(req.Body)
	if err != nil {
		t.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	msg, err := DecodeRPCMsg(data)
	if err != nil {
		t.replyError(w, 400, "invalid message: %v", err)
		return
	}

	t.replyEmpty(w, 204)

	incomingMsg := IncomingRPCMsg{
		SourceId: ServerId(sourceId),
		Msg:      msg,
	}

	select {
	case <-s.stopChan:
		return
	default:
	}

	s.rpcChan <- incomingMsg
}

func (t *httpTransport) replyEmpty(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

func (t *httpTransport) replyText(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

func (t *httpTransport) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	t.server.Log.Error(format, args...)
	t.replyText(w, status, format, args...)
}
