package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/host"
	"github.com/danmuck/edgemart/internal/logging"
	"github.com/danmuck/edgemart/internal/registry"
)

const usage = `usage: registryctl [flags] <command> <registry> [args]

commands:
  info <registry>
  owners <registry> <id,id,...>
  balance <registry> <owner,owner,...>
  tokens <registry> [prev] [take]
  tokens-of <registry> <owner> [prev] [take]
  metadata <registry> <id,id,...>
  supply <registry>
  standards <registry>
  txlog <registry> [page] [size]
  transfer <registry> <id> <to>
  burn <registry> <id>
  reclaim <registry>
`

var errUsage = errors.New("invalid arguments")

type command struct {
	name     string
	registry address.Address
	ids      []registry.TokenID
	owners   []address.Address
	prev     *registry.TokenID
	take     int
	page     int
}

func main() {
	addr := flag.String("addr", "127.0.0.1:9301", "host control endpoint")
	token := flag.String("token", os.Getenv("EDGEMART_TOKEN"), "bearer token (defaults to $EDGEMART_TOKEN)")
	self := flag.String("self", "", "identity the token proves; required for transfer, burn and reclaim")
	timeout := flag.Duration("timeout", 10*time.Second, "overall request timeout")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	logging.ConfigureRuntime()

	cmd, err := parseCommand(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "registryctl: %v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := host.NewClient(*addr, *token, address.Address(strings.TrimSpace(*self)))
	defer client.Close()

	if err := execute(ctx, client, address.Address(strings.TrimSpace(*self)), cmd, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "registryctl: %v\n", err)
		os.Exit(1)
	}
}

func parseCommand(args []string) (command, error) {
	if len(args) < 2 {
		return command{}, fmt.Errorf("%w: command and registry required", errUsage)
	}
	reg, err := address.Parse(args[1])
	if err != nil {
		return command{}, err
	}
	cmd := command{name: args[0], registry: reg}
	rest := args[2:]
	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("%w: %s needs %d more argument(s)", errUsage, cmd.name, n)
		}
		return nil
	}

	switch cmd.name {
	case "info", "supply", "standards", "reclaim":
	case "owners", "metadata":
		if err := need(1); err != nil {
			return command{}, err
		}
		if cmd.ids, err = parseIDs(rest[0]); err != nil {
			return command{}, err
		}
	case "balance":
		if err := need(1); err != nil {
			return command{}, err
		}
		for _, raw := range strings.Split(rest[0], ",") {
			owner, err := address.Parse(raw)
			if err != nil {
				return command{}, err
			}
			cmd.owners = append(cmd.owners, owner)
		}
	case "tokens":
		if cmd.prev, cmd.take, err = parsePaging(rest); err != nil {
			return command{}, err
		}
	case "tokens-of":
		if err := need(1); err != nil {
			return command{}, err
		}
		owner, err := address.Parse(rest[0])
		if err != nil {
			return command{}, err
		}
		cmd.owners = []address.Address{owner}
		if cmd.prev, cmd.take, err = parsePaging(rest[1:]); err != nil {
			return command{}, err
		}
	case "txlog":
		if len(rest) > 0 {
			if cmd.page, err = strconv.Atoi(rest[0]); err != nil || cmd.page < 0 {
				return command{}, fmt.Errorf("%w: page %q", errUsage, rest[0])
			}
		}
		if len(rest) > 1 {
			if cmd.take, err = strconv.Atoi(rest[1]); err != nil || cmd.take < 0 {
				return command{}, fmt.Errorf("%w: size %q", errUsage, rest[1])
			}
		}
	case "transfer":
		if err := need(2); err != nil {
			return command{}, err
		}
		if cmd.ids, err = parseIDs(rest[0]); err != nil || len(cmd.ids) != 1 {
			return command{}, fmt.Errorf("%w: one token id expected", errUsage)
		}
		to, err := address.Parse(rest[1])
		if err != nil {
			return command{}, err
		}
		cmd.owners = []address.Address{to}
	case "burn":
		if err := need(1); err != nil {
			return command{}, err
		}
		if cmd.ids, err = parseIDs(rest[0]); err != nil || len(cmd.ids) != 1 {
			return command{}, fmt.Errorf("%w: one token id expected", errUsage)
		}
	default:
		return command{}, fmt.Errorf("%w: unknown command %q", errUsage, cmd.name)
	}
	return cmd, nil
}

func parseIDs(raw string) ([]registry.TokenID, error) {
	var ids []registry.TokenID
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: token id %q", errUsage, part)
		}
		ids = append(ids, registry.TokenID(n))
	}
	return ids, nil
}

func parsePaging(rest []string) (*registry.TokenID, int, error) {
	var prev *registry.TokenID
	take := 0
	if len(rest) > 0 && rest[0] != "-" {
		ids, err := parseIDs(rest[0])
		if err != nil || len(ids) != 1 {
			return nil, 0, fmt.Errorf("%w: prev %q", errUsage, rest[0])
		}
		prev = &ids[0]
	}
	if len(rest) > 1 {
		n, err := strconv.Atoi(rest[1])
		if err != nil || n < 0 {
			return nil, 0, fmt.Errorf("%w: take %q", errUsage, rest[1])
		}
		take = n
	}
	return prev, take, nil
}

type itemResult struct {
	Index *uint64 `json:"index,omitempty"`
	Error string  `json:"error,omitempty"`
}

func encodeResults(results []registry.TransferResult) []itemResult {
	out := make([]itemResult, len(results))
	for i, r := range results {
		if r.Err != nil {
			out[i].Error = r.Err.Error()
			continue
		}
		index := r.Index
		out[i].Index = &index
	}
	return out
}

func execute(ctx context.Context, client *host.Client, self address.Address, cmd command, out io.Writer) error {
	var (
		result any
		err    error
	)
	reg := cmd.registry
	switch cmd.name {
	case "info":
		result, err = client.Info(ctx, reg)
	case "owners":
		result, err = client.OwnerOf(ctx, reg, cmd.ids)
	case "balance":
		result, err = client.BalanceOf(ctx, reg, cmd.owners)
	case "tokens":
		result, err = client.Tokens(ctx, reg, cmd.prev, cmd.take)
	case "tokens-of":
		result, err = client.TokensOf(ctx, reg, cmd.owners[0], cmd.prev, cmd.take)
	case "metadata":
		result, err = client.TokenMetadata(ctx, reg, cmd.ids)
	case "supply":
		result, err = client.TotalSupply(ctx, reg)
	case "standards":
		result, err = client.SupportedStandards(ctx, reg)
	case "txlog":
		result, err = client.TxLogs(ctx, reg, cmd.page, cmd.take)
	case "transfer", "burn", "reclaim":
		if self.IsAnonymous() {
			return fmt.Errorf("%w: -self is required for %s", errUsage, cmd.name)
		}
		call := registry.Call{Caller: self}
		switch cmd.name {
		case "transfer":
			var results []registry.TransferResult
			results, err = client.Transfer(ctx, reg, call, []registry.TransferArg{{To: cmd.owners[0], TokenID: cmd.ids[0]}})
			result = encodeResults(results)
		case "burn":
			var results []registry.BurnResult
			results, err = client.Burn(ctx, reg, call, []registry.BurnArg{{TokenID: cmd.ids[0]}})
			result = encodeResults(results)
		default:
			err = client.Reclaim(ctx, self, reg)
			result = map[string]any{"reclaimed": reg}
		}
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd.name)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
