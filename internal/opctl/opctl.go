// Package opctl is the operator control surface: a Unix-domain-socket,
// newline-delimited-JSON server an operator (or a local CLI) connects to
// for runtime introspection and overrides — status, list, pin_tier,
// force_safemode, clear_safemode.
//
// Protocol and connection-handling shape are adapted directly from
// internal/operator/server.go: same 0600 socket permission, same
// max-concurrent-connections semaphore, same 4096-byte request cap and
// per-connection read/write deadline. Commands are renamed from the
// teacher's PID/escalation-state vocabulary to this domain's module/tier
// vocabulary.
package opctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/registry"
	"github.com/conscious-bot/core/internal/tickbudget"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// ModuleStatus is a snapshot of one registered module, returned by list
// and status.
type ModuleStatus struct {
	ID            string `json:"id"`
	Tier          int    `json:"tier"`
	EffectiveTier int    `json:"effective_tier"`
	State         string `json:"state"`
	Downgraded    bool   `json:"downgraded"`
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd    string `json:"cmd"`              // status | list | pin_tier | force_safemode | clear_safemode
	Module string `json:"module,omitempty"` // target module id for pin_tier/status
	Reason string `json:"reason,omitempty"` // force_safemode reason
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK       bool                  `json:"ok"`
	Error    string                `json:"error,omitempty"`
	Module   *ModuleStatus         `json:"module,omitempty"`
	Modules  []ModuleStatus        `json:"modules,omitempty"`
	SafeMode *tickbudget.SafeModeState `json:"safemode,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	registry   *registry.Registry
	enforcer   *tickbudget.Enforcer
	log        *zap.Logger
	sem        chan struct{}
}

// New constructs an opctl Server.
func New(socketPath string, reg *registry.Registry, enforcer *tickbudget.Enforcer, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		registry:   reg,
		enforcer:   enforcer,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server, removing any stale
// socket file first. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("opctl: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("opctl: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("opctl: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("opctl: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("opctl socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("opctl: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("opctl: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("opctl: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	s.writeResponse(conn, s.dispatch(req))
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus(req)
	case "list":
		return s.cmdList()
	case "pin_tier":
		return s.cmdPinTier(req)
	case "force_safemode":
		return s.cmdForceSafeMode(req)
	case "clear_safemode":
		return s.cmdClearSafeMode()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func toStatus(e *registry.Entry) ModuleStatus {
	return ModuleStatus{
		ID:            e.ID,
		Tier:          int(e.Tier),
		EffectiveTier: int(e.EffectiveTier()),
		State:         e.Current().String(),
		Downgraded:    e.EffectiveTier() != e.Tier,
	}
}

func (s *Server) cmdStatus(req Request) Response {
	if req.Module == "" {
		return Response{OK: false, Error: "module required for status"}
	}
	e := s.registry.Get(req.Module)
	if e == nil {
		return Response{OK: false, Error: fmt.Sprintf("module %q not registered", req.Module)}
	}
	st := toStatus(e)
	return Response{OK: true, Module: &st}
}

func (s *Server) cmdList() Response {
	entries := s.registry.All()
	out := make([]ModuleStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, toStatus(e))
	}
	return Response{OK: true, Modules: out}
}

// cmdPinTier downgrades a module to the deliberative tier. It only moves
// one direction: opctl has no command that restores a module's declared
// tier.
func (s *Server) cmdPinTier(req Request) Response {
	if req.Module == "" {
		return Response{OK: false, Error: "module required for pin_tier"}
	}
	e := s.registry.Get(req.Module)
	if e == nil {
		return Response{OK: false, Error: fmt.Sprintf("module %q not registered", req.Module)}
	}
	e.Downgrade()
	s.log.Info("opctl: module pinned to deliberative tier", zap.String("module_id", req.Module))
	st := toStatus(e)
	return Response{OK: true, Module: &st}
}

func (s *Server) cmdForceSafeMode(req Request) Response {
	reason := req.Reason
	if reason == "" {
		reason = "operator_forced"
	}
	state := s.enforcer.ForceSafeMode(reason)
	s.log.Info("opctl: safe mode forced", zap.String("reason", reason))
	return Response{OK: true, SafeMode: &state}
}

func (s *Server) cmdClearSafeMode() Response {
	state := s.enforcer.ClearSafeMode()
	s.log.Info("opctl: safe mode cleared by operator")
	return Response{OK: true, SafeMode: &state}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
