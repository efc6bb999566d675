// Package clientapi implements the public client surface: register,
// nonce recovery, the seven record operations, and the
// cluster-management/forwarding surface. It is the glue
// between internal/authproto (gates every mutation), the raft core
// (serializes every mutation through a log) and internal/statemachine
// (the deterministic effect of a committed command), exposed over
// HTTP+JSON the way cmd/kvstore/api_server.go exposes its toy store.
package clientapi

import (
	"github.com/Konstantin-Sh/passvault/internal/authproto"
	"github.com/Konstantin-Sh/passvault/internal/statemachine"
)

// WireRecord is Record as it crosses the HTTP boundary
type WireRecord struct {
	Id     uint64                 `json:"id"`
	Ver    uint64                 `json:"ver"`
	UserId []byte                 `json:"userId"`
	Data   []byte                 `json:"data"`
}

func toWire(r statemachine.Record) WireRecord {
	return WireRecord{Id: r.Id, Ver: r.Ver, UserId: []byte(r.UserId), Data: r.Data}
}

func fromWire(r WireRecord) statemachine.Record {
	return statemachine.Record{Id: r.Id, Ver: r.Ver, UserId: statemachine.UserId(r.UserId), Data: r.Data}
}

// RecordHeader is the GetList shape: everything but Data
type RecordHeader struct {
	Id     uint64 `json:"id"`
	Ver    uint64 `json:"ver"`
	UserId []byte `json:"userId"`
}

type RegisterRequest struct {
	UserId []byte `json:"userId"`
	PubKey []byte `json:"pubKey"`
}

type RegisterResponse struct {
	Success bool   `json:"success"`
	Nonce   uint64 `json:"nonce"`
}

type NonceResponse struct {
	Nonce uint64 `json:"nonce"`
}

type GetListResponse struct {
	Records []RecordHeader `json:"records"`
}

type GetAllResponse struct {
	Records []WireRecord `json:"records"`
}

type GetByIdRequest struct {
	Auth     authproto.AuthSignature `json:"auth"`
	RecordId uint64                  `json:"recordId"`
}

type GetByIdResponse struct {
	Record WireRecord `json:"record"`
}

type SetOneRequest struct {
	Auth   authproto.AuthSignature `json:"auth"`
	Record WireRecord              `json:"record"`
}

type SetRecordsRequest struct {
	Auth    authproto.AuthSignature `json:"auth"`
	Records []WireRecord            `json:"records"`
}

type DeleteByIdRequest struct {
	Auth     authproto.AuthSignature `json:"auth"`
	RecordId uint64                  `json:"recordId"`
}

type AuthOnlyRequest struct {
	Auth authproto.AuthSignature `json:"auth"`
}

type emptyResponse struct{}
