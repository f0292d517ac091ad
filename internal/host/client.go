package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/registry"
)

var ErrRemoteCall = errors.New("host: remote call failed")

// Client reaches a remote host's control endpoint. It keeps one connection and serializes
// requests over it, redialing after any transport error.
type Client struct {
	addr    string
	token   string
	self    address.Address
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewClient binds a client to a control address. self is the identity the token proves; it
// is used as the caller for allocation and install requests.
func NewClient(addr, token string, self address.Address) *Client {
	return &Client{
		addr:    strings.TrimSpace(addr),
		token:   token,
		self:    self,
		timeout: 5 * time.Second,
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropLocked()
}

func (c *Client) dropLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	if c.addr == "" {
		return fmt.Errorf("%w: control addr required", ErrRemoteCall)
	}
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrRemoteCall, c.addr, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// do sends one request and decodes the response data into out.
func (c *Client) do(ctx context.Context, req controlRequest, out any) error {
	req.Token = c.token
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	if _, err := c.conn.Write(line); err != nil {
		_ = c.dropLocked()
		return fmt.Errorf("%w: %s write: %v", ErrRemoteCall, req.Action, err)
	}
	respLine, err := c.reader.ReadBytes('\n')
	if err != nil {
		_ = c.dropLocked()
		return fmt.Errorf("%w: %s read: %v", ErrRemoteCall, req.Action, err)
	}
	var resp clientResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		_ = c.dropLocked()
		return fmt.Errorf("%w: %s decode: %v", ErrRemoteCall, req.Action, err)
	}
	if !resp.OK {
		if resp.Error == nil {
			return fmt.Errorf("%w: %s failed", ErrRemoteCall, req.Action)
		}
		return decodeError(resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		return json.Unmarshal(resp.Data, out)
	}
	return nil
}

func (c *Client) Allocate(ctx context.Context, req AllocateRequest) (address.Address, error) {
	var out address.Address
	err := c.do(ctx, controlRequest{Action: ActionAllocate, Allocate: &req}, &out)
	return out, err
}

// Install installs arg as caller. The remote side authenticates the client's token, so caller
// must equal the client's own identity.
func (c *Client) Install(ctx context.Context, caller, addr address.Address, arg registry.InitArg) error {
	if caller != c.self {
		return fmt.Errorf("%w: client identity %s cannot install as %s", ErrNotController, c.self, caller)
	}
	return c.do(ctx, controlRequest{Action: ActionInstall, Registry: addr, Install: &arg}, nil)
}

func (c *Client) Reclaim(ctx context.Context, caller, addr address.Address) error {
	if caller != c.self {
		return fmt.Errorf("%w: client identity %s cannot reclaim as %s", ErrNotController, c.self, caller)
	}
	return c.do(ctx, controlRequest{Action: ActionReclaim, Registry: addr}, nil)
}

func (c *Client) Info(ctx context.Context, addr address.Address) (registry.Info, error) {
	var out registry.Info
	err := c.do(ctx, controlRequest{Action: ActionInfo, Registry: addr}, &out)
	return out, err
}

// acting returns the Acting field to send; the server always takes Caller from the token.
func (c *Client) acting(call registry.Call) address.Address {
	if call.Acting == "" || call.Acting == call.Caller {
		return ""
	}
	return call.Acting
}

func (c *Client) Mint(ctx context.Context, addr address.Address, call registry.Call, arg registry.MintArg) (registry.TokenID, error) {
	var out registry.TokenID
	err := c.do(ctx, controlRequest{Action: ActionMint, Registry: addr, Acting: c.acting(call), Mint: &arg}, &out)
	return out, err
}

func (c *Client) Transfer(ctx context.Context, addr address.Address, call registry.Call, args []registry.TransferArg) ([]registry.TransferResult, error) {
	var out []wireResult
	if err := c.do(ctx, controlRequest{Action: ActionTransfer, Registry: addr, Acting: c.acting(call), Transfer: args}, &out); err != nil {
		return nil, err
	}
	return decodeResults(out), nil
}

func (c *Client) Burn(ctx context.Context, addr address.Address, call registry.Call, args []registry.BurnArg) ([]registry.BurnResult, error) {
	var out []wireResult
	if err := c.do(ctx, controlRequest{Action: ActionBurn, Registry: addr, Acting: c.acting(call), Burn: args}, &out); err != nil {
		return nil, err
	}
	return decodeResults(out), nil
}

func (c *Client) OwnerOf(ctx context.Context, addr address.Address, ids []registry.TokenID) ([]*address.Address, error) {
	var out []*address.Address
	err := c.do(ctx, controlRequest{Action: ActionOwnerOf, Registry: addr, IDs: ids}, &out)
	return out, err
}

func (c *Client) BalanceOf(ctx context.Context, addr address.Address, owners []address.Address) ([]uint64, error) {
	var out []uint64
	err := c.do(ctx, controlRequest{Action: ActionBalanceOf, Registry: addr, Owners: owners}, &out)
	return out, err
}

func (c *Client) Tokens(ctx context.Context, addr address.Address, prev *registry.TokenID, take int) ([]registry.TokenID, error) {
	var out []registry.TokenID
	err := c.do(ctx, controlRequest{Action: ActionTokens, Registry: addr, Prev: prev, Take: take}, &out)
	return out, err
}

func (c *Client) TokensOf(ctx context.Context, addr address.Address, owner address.Address, prev *registry.TokenID, take int) ([]registry.TokenID, error) {
	var out []registry.TokenID
	err := c.do(ctx, controlRequest{Action: ActionTokensOf, Registry: addr, Owner: owner, Prev: prev, Take: take}, &out)
	return out, err
}

func (c *Client) TokenMetadata(ctx context.Context, addr address.Address, ids []registry.TokenID) ([]*registry.TokenMetadata, error) {
	var out []*registry.TokenMetadata
	err := c.do(ctx, controlRequest{Action: ActionTokenMetadata, Registry: addr, IDs: ids}, &out)
	return out, err
}

func (c *Client) TotalSupply(ctx context.Context, addr address.Address) (uint64, error) {
	var out uint64
	err := c.do(ctx, controlRequest{Action: ActionTotalSupply, Registry: addr}, &out)
	return out, err
}

func (c *Client) SupportedStandards(ctx context.Context, addr address.Address) ([]registry.Standard, error) {
	var out []registry.Standard
	err := c.do(ctx, controlRequest{Action: ActionSupportedStandards, Registry: addr}, &out)
	return out, err
}

func (c *Client) TxLogs(ctx context.Context, addr address.Address, pageNumber, pageSize int) ([]registry.Transaction, error) {
	var out []registry.Transaction
	err := c.do(ctx, controlRequest{Action: ActionTxLogs, Registry: addr, Page: pageNumber, Take: pageSize}, &out)
	return out, err
}
