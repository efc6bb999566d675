package main

import (
	"fmt"
	"net"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"

	"github.com/Konstantin-Sh/passvault/internal/authproto"
	"github.com/Konstantin-Sh/passvault/internal/clientapi"
	"github.com/Konstantin-Sh/passvault/internal/statemachine"
	"github.com/Konstantin-Sh/passvault/pkg/raft"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Raft    RaftCfg            `json:"raft"`
}

// RaftCfg describes one replica's view of the cluster: the raft peers
// it replicates against, and separately the client-facing API address
// of each, since a non-leader replica needs the latter to forward a
// write it cannot serve itself.
type RaftCfg struct {
	Servers           raft.ServerSet             `json:"servers"`
	APIAddresses      clientapi.ForwardAddresses `json:"apiAddresses"`
	DataDirectory     string                     `json:"dataDirectory"`
	SnapshotThreshold int                        `json:"snapshotThreshold"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	machine    *statemachine.Machine
	raftServer *raft.Server
	api        *clientapi.Server
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)
	v.CheckObject("raft", &cfg.Raft)
}

func (cfg *RaftCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("servers", func() {
		for _, server := range cfg.Servers {
			v.CheckStringNotEmpty("localAddress", string(server.LocalAddress))
			v.CheckStringNotEmpty("publicAddress", string(server.PublicAddress))
		}
	})

	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the server identifier")
}

func (s *Service) DefaultCfg() interface{} {
	cfg := &s.Cfg
	cfg.Raft.SnapshotThreshold = 1000
	return cfg
}

func (s *Service) ValidateCfg() error {
	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	instanceId := raft.ServerId(s.Program.ArgumentValue("id"))

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	raftServerCfg := s.Cfg.Raft.Servers[instanceId]
	host, _, _ := net.SplitHostPort(string(raftServerCfg.LocalAddress))

	apiAddress := s.Cfg.Raft.APIAddresses[instanceId]
	if apiAddress == "" {
		apiAddress = net.JoinHostPort(host, "8081")
	}

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               apiAddress,
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.machine = statemachine.New()

	if err := s.initRaftServer(); err != nil {
		return err
	}

	s.api = clientapi.New(s.raftServer, s.machine, authproto.Ed25519Verifier{}, s.Log.Child("clientapi", nil))
	s.api.ForwardAddrs = s.Cfg.Raft.APIAddresses

	s.api.RegisterRoutes(s.Service.HTTPServer("api"))

	return nil
}

func (s *Service) initRaftServer() error {
	instanceId := raft.ServerId(s.Service.Program.ArgumentValue("id"))

	logger := s.Log.Child("raft", log.Data{
		"instance": instanceId,
	})

	serverCfg := raft.ServerCfg{
		Id:      instanceId,
		Servers: s.Cfg.Raft.Servers,

		DataDirectory: s.Cfg.Raft.DataDirectory,

		Logger: logger,

		StateMachine: s.machine,

		SnapshotThreshold: s.Cfg.Raft.SnapshotThreshold,

		MinElectionTimeout: 500 * time.Millisecond,
		MaxElectionTimeout: 1000 * time.Millisecond,
		HeartbeatInterval:  100 * time.Millisecond,
	}

	server, err := raft.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("cannot create raft server: %w", err)
	}

	s.raftServer = server

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.raftServer.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start raft server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.raftServer.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
}
