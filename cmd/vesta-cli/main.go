package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"vesta/internal/api"
	"vesta/internal/domain"
	"vesta/internal/engine"
	"vesta/internal/risk"
	"vesta/internal/store"
	"vesta/pkg/vesta"
)

const version = "0.1.0"

// control is the operator surface as seen by the CLI. vesta.Client serves
// it over HTTP, grpcControl over gRPC.
type control interface {
	Status(ctx context.Context) (*engine.Status, error)
	Positions(ctx context.Context) ([]domain.Position, error)
	StartCycle(ctx context.Context, key string) (*domain.TradingCycle, error)
	StopCycle(ctx context.Context, reason string) (*engine.StopReport, error)
	EmergencyStop(ctx context.Context, reason string) (*risk.Summary, error)
	Resume(ctx context.Context, operator string) ([]string, error)
	Flags(ctx context.Context, f store.FlagFilter) ([]domain.ReconciliationFlag, error)
	ResolveFlag(ctx context.Context, id, resolution string) (*domain.ReconciliationFlag, error)
}

type grpcControl struct{ *api.GRPCClient }

func (g grpcControl) Status(ctx context.Context) (*engine.Status, error) {
	return g.GetCycleStatus(ctx)
}

func (g grpcControl) Positions(ctx context.Context) ([]domain.Position, error) {
	return g.GetOpenPositions(ctx)
}

func (g grpcControl) Resume(ctx context.Context, operator string) ([]string, error) {
	return g.ResumeTrading(ctx, operator)
}

func (g grpcControl) Flags(ctx context.Context, f store.FlagFilter) ([]domain.ReconciliationFlag, error) {
	return g.ListFlags(ctx, f)
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: vesta-cli [-addr URL | -grpc HOST:PORT] <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                       Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status                        Show the active cycle, halt latch and P&L\n")
	fmt.Fprintf(os.Stderr, "  positions                     List open positions\n")
	fmt.Fprintf(os.Stderr, "  start [-key K]                Start (or return) a trading cycle\n")
	fmt.Fprintf(os.Stderr, "  stop [-reason R]              Stop the active cycle\n")
	fmt.Fprintf(os.Stderr, "  emergency-stop [-reason R]    Halt trading and liquidate\n")
	fmt.Fprintf(os.Stderr, "  resume -operator NAME         Clear the trading halt\n")
	fmt.Fprintf(os.Stderr, "  flags [-kind K] [-subject S] [-status open|resolved]\n")
	fmt.Fprintf(os.Stderr, "  resolve -id ID -note TEXT     Resolve a reconciliation flag\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	_ = godotenv.Load()

	defAddr := "http://localhost:8080"
	if v := os.Getenv("VESTA_ADDR"); v != "" {
		defAddr = v
	}
	addr := flag.String("addr", defAddr, "HTTP address of vesta-trader")
	grpcAddr := flag.String("grpc", os.Getenv("VESTA_GRPC_ADDR"), "gRPC address of vesta-trader; overrides -addr")
	timeout := flag.Duration("timeout", time.Minute, "request timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	if args[0] == "version" {
		fmt.Printf("vesta-cli %s\n", version)
		return
	}

	var ctl control = vesta.NewClient(*addr)
	if *grpcAddr != "" {
		conn, err := grpc.NewClient(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			fatal(err)
		}
		defer conn.Close()
		ctl = grpcControl{api.NewGRPCClient(conn)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := dispatch(ctx, ctl, args[0], args[1:])
	if err != nil {
		fatal(err)
	}
	printJSON(out)
}

func dispatch(ctx context.Context, ctl control, cmd string, args []string) (any, error) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	switch cmd {
	case "status":
		return ctl.Status(ctx)

	case "positions":
		return ctl.Positions(ctx)

	case "start":
		key := fs.String("key", "", "idempotency key; repeating it returns the same cycle")
		_ = fs.Parse(args)
		return ctl.StartCycle(ctx, *key)

	case "stop":
		reason := fs.String("reason", "", "why the cycle is stopped")
		_ = fs.Parse(args)
		return ctl.StopCycle(ctx, *reason)

	case "emergency-stop":
		reason := fs.String("reason", "", "why trading is halted")
		_ = fs.Parse(args)
		sum, err := ctl.EmergencyStop(ctx, *reason)
		if err != nil && sum != nil {
			// Liquidation was interrupted; show what did get done.
			printJSON(sum)
		}
		return sum, err

	case "resume":
		operator := fs.String("operator", os.Getenv("USER"), "who clears the halt")
		_ = fs.Parse(args)
		cleared, err := ctl.Resume(ctx, *operator)
		if err != nil {
			return nil, err
		}
		return map[string]any{"cleared": cleared}, nil

	case "flags":
		kind := fs.String("kind", "", "flag kind, e.g. ORPHAN_POSITION")
		subject := fs.String("subject", "", "symbol or order id")
		status := fs.String("status", "open", "open, resolved or empty for all")
		_ = fs.Parse(args)
		return ctl.Flags(ctx, store.FlagFilter{
			Kind:    domain.FlagKind(*kind),
			Subject: *subject,
			Status:  domain.FlagStatus(*status),
		})

	case "resolve":
		id := fs.String("id", "", "flag id")
		note := fs.String("note", "", "resolution note")
		_ = fs.Parse(args)
		return ctl.ResolveFlag(ctx, *id, *note)

	default:
		usage()
		return nil, fmt.Errorf("unknown command: %s", cmd)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "vesta-cli: %v\n", err)
	os.Exit(1)
}
