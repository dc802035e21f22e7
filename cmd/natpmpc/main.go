// Command natpmpc is a NAT-PMP client which queries a NAT gateway's external
// address and creates or deletes port mappings.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackpal/gateway"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"inet.af/natpmp/natpmp"
)

const usage = `Usage:
  natpmpc [flags] external
  natpmpc [flags] map [-lifetime d] [-keep] udp|tcp INTERNAL [EXTERNAL]
  natpmpc [flags] unmap udp|tcp INTERNAL

Flags:
`

// errUsage indicates invalid command line arguments.
var errUsage = errors.New("natpmpc: usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("natpmpc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	var (
		configFile = fs.String("config", "", "path to a TOML configuration file")
		gatewayArg = fs.String("gateway", "", "NAT gateway address (default: this host's default gateway)")
		timeout    = fs.Duration("timeout", 0, "bound on each exchange, including retransmissions (default 70s)")
		verbose    = fs.Bool("v", false, "enable debug logging")
	)

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if *gatewayArg != "" {
		cfg.Gateway = *gatewayArg
	}
	if *timeout > 0 {
		cfg.Timeout.Duration = *timeout
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	cmd, err := parseCommand(fs.Args(), cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		fs.Usage()
		return 2
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, cmd, cfg, log, stdout); err != nil {
		fmt.Fprintf(stderr, "natpmpc: %v\n", err)
		return 1
	}

	return 0
}

// A command is a parsed natpmpc invocation.
type command struct {
	name string
	mr   natpmp.MappingRequest
	keep bool
}

func parseCommand(args []string, cfg Config) (*command, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: missing command", errUsage)
	}

	name, args := args[0], args[1:]
	switch name {
	case "external":
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: external takes no arguments", errUsage)
		}
		return &command{name: name}, nil
	case "map":
		fs := flag.NewFlagSet("map", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		lifetime := fs.Duration("lifetime", cfg.Lifetime.Duration, "requested mapping lifetime")
		keep := fs.Bool("keep", false, "renew the mapping until interrupted, then delete it")
		if err := fs.Parse(args); err != nil {
			return nil, fmt.Errorf("%w: map: %v", errUsage, err)
		}

		args = fs.Args()
		if len(args) != 2 && len(args) != 3 {
			return nil, fmt.Errorf("%w: map takes a protocol, an internal port, and an optional external port", errUsage)
		}

		op, internal, err := parseMapping(args[0], args[1])
		if err != nil {
			return nil, err
		}

		// Suggest the internal port as the external port unless told otherwise.
		external := internal
		if len(args) == 3 {
			if external, err = strconv.Atoi(args[2]); err != nil {
				return nil, fmt.Errorf("%w: invalid external port %q", errUsage, args[2])
			}
		}

		mr, err := natpmp.NewMappingRequest(op, internal, external, *lifetime)
		if err != nil {
			return nil, err
		}

		return &command{name: name, mr: mr, keep: *keep}, nil
	case "unmap":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: unmap takes a protocol and an internal port", errUsage)
		}

		op, internal, err := parseMapping(args[0], args[1])
		if err != nil {
			return nil, err
		}

		mr, err := natpmp.DeleteRequest(op, internal)
		if err != nil {
			return nil, err
		}

		return &command{name: name, mr: mr}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
}

func parseMapping(proto, port string) (natpmp.Operation, int, error) {
	var op natpmp.Operation
	switch strings.ToLower(proto) {
	case "udp":
		op = natpmp.OpMapUDP
	case "tcp":
		op = natpmp.OpMapTCP
	default:
		return 0, 0, fmt.Errorf("%w: unknown protocol %q", errUsage, proto)
	}

	p, err := strconv.Atoi(port)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid internal port %q", errUsage, port)
	}

	return op, p, nil
}

func protocolName(op natpmp.Operation) string {
	if op == natpmp.OpMapTCP {
		return "tcp"
	}
	return "udp"
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("natpmpc: %w", err)
	}

	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// resolveGateway returns the configured gateway, or discovers the host's
// default gateway.
func resolveGateway(cfg Config, log *zap.Logger) (string, error) {
	if cfg.Gateway != "" {
		return cfg.Gateway, nil
	}

	ip, err := gateway.DiscoverGateway()
	if err != nil {
		return "", fmt.Errorf("failed to discover gateway: %w", err)
	}
	if ip.To4() == nil {
		return "", fmt.Errorf("default gateway %s is not IPv4", ip)
	}

	log.Info("discovered default gateway", zap.Stringer("gateway", ip))
	return ip.String(), nil
}

func execute(ctx context.Context, cmd *command, cfg Config, log *zap.Logger, out io.Writer) (err error) {
	addr, err := resolveGateway(cfg, log)
	if err != nil {
		return err
	}

	c, err := natpmp.Dial(addr, natpmp.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()

	timeout := cfg.Timeout.Duration
	switch cmd.name {
	case "external":
		return externalAddress(ctx, c, timeout, out)
	case "map":
		res, err := mapPort(ctx, c, cmd.mr, timeout, out)
		if err != nil || !cmd.keep {
			return err
		}

		k := &keeper{
			m:       c,
			clk:     clock.New(),
			log:     log,
			out:     out,
			timeout: timeout,
		}
		return k.run(ctx, cmd.mr, res)
	case "unmap":
		_, err := mapPort(ctx, c, cmd.mr, timeout, out)
		return err
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd.name)
	}
}

func externalAddress(ctx context.Context, c *natpmp.Client, timeout time.Duration, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.ExternalAddress(ctx)
	if err != nil {
		return err
	}
	if err := res.Result.Err(); err != nil {
		return err
	}

	fmt.Fprintf(out, "external address: %s\nsince start of epoch: %s\n", res.ExternalIP, res.SinceStartOfEpoch)
	return nil
}

// mapPort creates or deletes a mapping, depending on the lifetime of mr.
func mapPort(ctx context.Context, m mapper, mr natpmp.MappingRequest, timeout time.Duration, out io.Writer) (*natpmp.MapResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := m.Map(ctx, mr)
	if err != nil {
		return nil, err
	}
	if err := res.Result.Err(); err != nil {
		return nil, err
	}

	proto := protocolName(mr.Operation())
	if mr.RequestedLifetime() == 0 {
		fmt.Fprintf(out, "deleted %s mapping for internal port %d\n", proto, res.InternalPort)
		return res, nil
	}

	fmt.Fprintf(out, "mapped %s external port %d to internal port %d for %s\n",
		proto, res.ExternalPort, res.InternalPort, res.Lifetime)
	return res, nil
}
