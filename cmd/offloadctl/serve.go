package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/common-nighthawk/go-figure"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/accelforge/offload/internal/config"
	"github.com/accelforge/offload/internal/metrics"
	"github.com/accelforge/offload/pkg/offload"
)

func serveCommand(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Expose offload calls and metrics over HTTP",
		Action: func(c *cli.Context) error {
			app := fx.New(
				fx.Supply(state.cfg),
				fx.Supply(state.log),
				fx.Provide(newProcess, newCallServer),
				fx.Invoke(runServer),
				fx.NopLogger,
			)
			app.Run()
			return app.Err()
		},
	}
}

func newProcess(cfg *config.Config, log *zap.Logger) (*offload.Process, error) {
	return offload.CreateProcess(cfg, log)
}

type callArg struct {
	Type  string  `json:"type"` // "i64", "u64", "f64"
	Int   int64   `json:"int,omitempty"`
	Uint  uint64  `json:"uint,omitempty"`
	Float float64 `json:"float,omitempty"`
}

type callRequest struct {
	Library string    `json:"library"`
	Symbol  string    `json:"symbol"`
	Args    []callArg `json:"args"`
}

type callResponse struct {
	Retval uint64 `json:"retval"`
	Status string `json:"status"`
}

// callServer executes offload calls described by JSON bodies on one
// device context, serialized; library handles are cached per name.
type callServer struct {
	proc *offload.Process
	log  *zap.Logger

	mu   sync.Mutex
	ctx  *offload.Context
	libs map[string]uint64
}

func newCallServer(p *offload.Process, log *zap.Logger) *callServer {
	return &callServer{proc: p, log: log.Named("serve"), libs: make(map[string]uint64)}
}

func (s *callServer) library(name string) (uint64, error) {
	if hdl, ok := s.libs[name]; ok {
		return hdl, nil
	}
	hdl, err := s.proc.LoadLibrary(name)
	if err != nil {
		return 0, err
	}
	if hdl == 0 {
		return 0, errors.Errorf("device could not load %q", name)
	}
	s.libs[name] = hdl
	return hdl, nil
}

func (s *callServer) buildArgs(in []callArg) (*offload.Args, error) {
	args := s.proc.NewArgs()
	for i, a := range in {
		var err error
		switch a.Type {
		case "i64", "":
			err = args.SetI64(i, a.Int)
		case "u64":
			err = args.SetU64(i, a.Uint)
		case "f64":
			err = args.SetFloat64(i, a.Float)
		default:
			return nil, errors.Errorf("unsupported argument type %q", a.Type)
		}
		if err != nil {
			return nil, err
		}
	}
	return args, nil
}

func (s *callServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	args, err := s.buildArgs(req.Args)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		ctx, err := s.proc.OpenContext()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.ctx = ctx
	}
	lib, err := s.library(req.Library)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := s.ctx.CallAsyncByName(lib, req.Symbol, args)
	if id == offload.InvalidRequestID {
		http.Error(w, "submission failed", http.StatusInternalServerError)
		return
	}
	rv, status := s.ctx.WaitResult(id)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(callResponse{Retval: rv, Status: status.String()})
}

func runServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, p *offload.Process, calls *callServer) {
	rootLogger := log.Named("serve")
	mux := http.NewServeMux()
	mux.Handle("/v1/call", metrics.Middleware(calls, "/v1/call"))
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddress, cfg.Server.ListenPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			figure.NewFigure("offload", "", true).Print()
			rootLogger.Info("Starting server on", zap.String("address", addr))
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					rootLogger.Error("server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := srv.Shutdown(ctx)
			if derr := p.Destroy(); derr != nil && err == nil {
				err = derr
			}
			return err
		},
	})
}
