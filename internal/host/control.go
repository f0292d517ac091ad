package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/auth"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/rs/zerolog/log"
)

const controlIdleTimeout = 30 * time.Second

// ControlServer exposes a host over a TCP JSON-line endpoint. Every request carries a bearer
// token; the identity it proves becomes the caller of the action.
type ControlServer struct {
	host    *Host
	local   *Local
	authn   auth.Authenticator
	clients atomic.Int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewControlServer(h *Host, authn auth.Authenticator) *ControlServer {
	return &ControlServer{
		host:  h,
		local: NewLocal(h),
		authn: authn,
		conns: make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *ControlServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes open connections and waits
// for their handlers.
func (s *ControlServer) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("host.control listening")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
		s.closeConns()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.closeConns()
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.track(conn)
		if ctx.Err() != nil {
			_ = conn.Close()
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *ControlServer) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *ControlServer) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *ControlServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// handleConn decodes one request per line and writes one response per line.
func (s *ControlServer) handleConn(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := s.clients.Add(1)
	log.Debug().Str("remote", remote).Int64("active_clients", active).Msg("host.control client connected")
	defer func() {
		remaining := s.clients.Add(-1)
		log.Debug().Str("remote", remote).Int64("active_clients", remaining).Msg("host.control client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(controlIdleTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Warn().Err(err).Str("remote", remote).Msg("host.control read")
			}
			return
		}
		var req controlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeControlResponse(conn, controlResponse{Error: &registry.WireError{Code: "bad_request", Message: err.Error()}})
			continue
		}
		resp := s.handleRequest(ctx, req)
		if err := writeControlResponse(conn, resp); err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("host.control write")
			return
		}
	}
}

func fail(err error) controlResponse {
	return controlResponse{Error: encodeError(err)}
}

func succeed(data any) controlResponse {
	return controlResponse{OK: true, Data: data}
}

// handleRequest authenticates the request and dispatches it to the host or a registry.
func (s *ControlServer) handleRequest(ctx context.Context, req controlRequest) controlResponse {
	caller, err := s.authn.Authenticate(req.Token)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", auth.ErrUnauthorized, err))
	}
	call := registry.Call{Caller: caller, Acting: req.Acting}

	switch req.Action {
	case ActionAllocate:
		if req.Allocate == nil {
			return fail(fmt.Errorf("%w: allocate payload required", ErrInvalidAllocation))
		}
		if !address.Contains(req.Allocate.Controllers, caller) {
			return fail(fmt.Errorf("%w: caller must be listed as controller", ErrInvalidAllocation))
		}
		addr, err := s.host.Allocate(ctx, *req.Allocate)
		if err != nil {
			return fail(err)
		}
		return succeed(addr)
	case ActionInstall:
		if req.Install == nil {
			return fail(errors.New("host: install payload required"))
		}
		if err := s.host.Install(ctx, caller, req.Registry, *req.Install); err != nil {
			return fail(err)
		}
		return succeed(true)
	case ActionReclaim:
		if err := s.host.Reclaim(ctx, caller, req.Registry); err != nil {
			return fail(err)
		}
		return succeed(true)
	case ActionInfo:
		return respond(s.local.Info(ctx, req.Registry))
	case ActionMint:
		if req.Mint == nil {
			return fail(errors.New("host: mint payload required"))
		}
		return respond(s.local.Mint(ctx, req.Registry, call, *req.Mint))
	case ActionTransfer:
		results, err := s.local.Transfer(ctx, req.Registry, call, req.Transfer)
		if err != nil {
			return fail(err)
		}
		return succeed(encodeResults(results))
	case ActionBurn:
		results, err := s.local.Burn(ctx, req.Registry, call, req.Burn)
		if err != nil {
			return fail(err)
		}
		return succeed(encodeResults(results))
	case ActionOwnerOf:
		return respond(s.local.OwnerOf(ctx, req.Registry, req.IDs))
	case ActionBalanceOf:
		return respond(s.local.BalanceOf(ctx, req.Registry, req.Owners))
	case ActionTokens:
		return respond(s.local.Tokens(ctx, req.Registry, req.Prev, req.Take))
	case ActionTokensOf:
		return respond(s.local.TokensOf(ctx, req.Registry, req.Owner, req.Prev, req.Take))
	case ActionTokenMetadata:
		return respond(s.local.TokenMetadata(ctx, req.Registry, req.IDs))
	case ActionTotalSupply:
		return respond(s.local.TotalSupply(ctx, req.Registry))
	case ActionSupportedStandards:
		return respond(s.local.SupportedStandards(ctx, req.Registry))
	case ActionTxLogs:
		return respond(s.local.TxLogs(ctx, req.Registry, req.Page, req.Take))
	default:
		return controlResponse{Error: &registry.WireError{Code: "bad_request", Message: fmt.Sprintf("unknown action: %s", req.Action)}}
	}
}

func respond[T any](data T, err error) controlResponse {
	if err != nil {
		return fail(err)
	}
	return succeed(data)
}

func writeControlResponse(w io.Writer, resp controlResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}
