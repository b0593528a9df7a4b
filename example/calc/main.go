// Command calc demonstrates a JSON-RPC session over stdio. Run without
// flags it spawns itself with -serve as the server process, connects to it,
// and performs a few calls, including an asynchronous one with progress
// updates.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidegate/go-jrpc"
	"github.com/tidegate/go-jrpc/async"
)

var sumSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"numbers": {
			"type": "array",
			"items": {"type": "number"}
		}
	},
	"required": ["numbers"]
}`)

func main() {
	serve := flag.Bool("serve", false, "run as the server side of the session")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if os.Getenv("CALC_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *serve {
		if err := runServer(logger); err != nil {
			logger.Error("server failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
		return
	}

	if err := runClient(logger); err != nil {
		logger.Error("client failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func runServer(logger *slog.Logger) error {
	transport := jrpc.NewStdIO(os.Stdin, os.Stdout)
	srv := jrpc.NewServer(jrpc.Info{Name: "calc", Version: "0.1.0"}, transport,
		jrpc.WithServerLogger(logger))

	srv.Register("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})

	if err := srv.RegisterWithSchema("sum", sumSchema,
		func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				Numbers []float64 `json:"numbers"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}

			total := 0.0
			for i, n := range p.Numbers {
				select {
				case <-ctx.Done():
					return nil, &jrpc.Error{
						Code:    jrpc.CodeRequestCancelled,
						Message: "Request cancelled",
					}
				default:
				}
				total += n
				percent := (i + 1) * 100 / len(p.Numbers)
				if err := jrpc.ReportProgress(ctx, map[string]int{"percent": percent}); err != nil {
					return nil, err
				}
			}
			return map[string]float64{"total": total}, nil
		}); err != nil {
		return fmt.Errorf("failed to register sum: %w", err)
	}

	srv.Serve()
	return nil
}

func runClient(logger *slog.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	cmd := exec.Command(exe, "-serve")
	cmd.Stderr = os.Stderr
	serverIn, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open server stdin: %w", err)
	}
	serverOut, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open server stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start server process: %w", err)
	}
	defer func() {
		serverIn.Close()
		cmd.Wait()
	}()

	transport := jrpc.NewStdIO(serverOut, serverIn)
	cli := jrpc.NewClient(jrpc.Info{Name: "calc-client", Version: "0.1.0"}, transport,
		jrpc.WithClientLogger(logger),
		jrpc.WithProgressHandler(func(_ jrpc.RequestID, value json.RawMessage) {
			logger.Info("progress", slog.String("value", string(value)))
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cli.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer cli.Close()

	logger.Info("connected",
		slog.String("server", cli.ServerInfo().Name),
		slog.String("version", cli.ServerInfo().Version))

	echoed, err := cli.Call(ctx, "echo", map[string]string{"hello": "world"})
	if err != nil {
		return fmt.Errorf("echo failed: %w", err)
	}
	fmt.Printf("echo: %s\n", echoed)

	// Fire the sum off asynchronously and collect it once needed. The
	// progress token makes the server stream progress notifications back.
	sumTask := cli.Go("sum", map[string]any{
		"numbers": []float64{1, 2, 3, 4, 5},
		"_meta":   map[string]any{"progressToken": "sum-1"},
	})
	total := async.Then(sumTask, func(res json.RawMessage) (float64, error) {
		var p struct {
			Total float64 `json:"total"`
		}
		if err := json.Unmarshal(res, &p); err != nil {
			return 0, err
		}
		return p.Total, nil
	})

	v, err := async.SyncWait(total)
	if err != nil {
		return fmt.Errorf("sum failed: %w", err)
	}
	fmt.Printf("sum: %v\n", v)

	return nil
}
