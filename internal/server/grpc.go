package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"MetaLayer/internal/ingestion"
	"MetaLayer/internal/observability"
	"MetaLayer/internal/orderbook"
	"MetaLayer/internal/projection"
	"MetaLayer/internal/query"
)

// Server runs the gRPC endpoint (health + reflection) and the HTTP/JSON
// API on the gateway mux. The JSON surface is the primary query API;
// the gRPC endpoint carries the standard health protocol for probes and
// service meshes.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	health     *health.Server

	grpcAddr string
	httpAddr string
	log      zerolog.Logger
}

// Deps holds everything the API handlers read from.
type Deps struct {
	Query         *query.Service
	Ingest        *ingestion.GRPCIngestService
	History       *projection.PriceHistory
	View          *projection.StateView
	HealthChecker *observability.HealthChecker
}

func NewServer(grpcAddr, httpAddr string, deps *Deps, log zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui.
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		log:        log.With().Str("component", "server").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:    httpAddr,
		Handler: s.buildHTTPHandler(deps),
	}
	return s
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) buildHTTPHandler(deps *Deps) http.Handler {
	mux := runtime.NewServeMux()

	// Balance queries.
	mux.HandlePath("GET", "/v1/balances/{address}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		balances, err := deps.Query.GetAllBalances(r.Context(), p["address"])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, map[string]interface{}{"balances": balances})
	})
	mux.HandlePath("GET", "/v1/balances/{address}/{property}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		property, err := parseUint32(p["property"])
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		balance, err := deps.Query.GetBalance(r.Context(), p["address"], property)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, balance)
	})
	mux.HandlePath("GET", "/v1/properties/{property}/holders", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		property, err := parseUint32(p["property"])
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		holders, err := deps.Query.GetHolders(r.Context(), property, limitParam(r, 100))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, map[string]interface{}{"holders": holders})
	})

	// Transaction and block queries.
	mux.HandlePath("GET", "/v1/tx/{txid}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		outcome, err := deps.Query.GetOutcome(r.Context(), p["txid"])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if outcome == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("txid %s not processed", p["txid"]))
			return
		}
		writeJSON(w, outcome)
	})
	mux.HandlePath("GET", "/v1/blocks/{height}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		height, err := strconv.ParseInt(p["height"], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		block, err := deps.Query.GetBlock(r.Context(), height)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if block == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("block %d not committed", height))
			return
		}
		writeJSON(w, block)
	})
	mux.HandlePath("GET", "/v1/blocks/{height}/outcomes", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		height, err := strconv.ParseInt(p["height"], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var afterIdx *int
		if v := r.URL.Query().Get("after_idx"); v != "" {
			idx, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			afterIdx = &idx
		}
		outcomes, err := deps.Query.GetBlockOutcomes(r.Context(), height, limitParam(r, 100), afterIdx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, map[string]interface{}{"outcomes": outcomes})
	})

	// In-memory state views, refreshed once per applied block.
	mux.HandlePath("GET", "/v1/positions/{address}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		writeJSON(w, map[string]interface{}{
			"height":    deps.View.Height(),
			"positions": deps.View.Positions(p["address"]),
		})
	})
	mux.HandlePath("GET", "/v1/books/tokens/{property}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		property, err := parseUint32(p["property"])
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"height": deps.View.Height(),
			"orders": deps.View.TokenBook(property),
		})
	})
	mux.HandlePath("GET", "/v1/books/contracts/{id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		id, err := parseUint32(p["id"])
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"height": deps.View.Height(),
			"orders": deps.View.ContractBook(id),
		})
	})
	mux.HandlePath("GET", "/v1/activations", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		snap := deps.View.Activations()
		writeJSON(w, map[string]interface{}{
			"height":    deps.View.Height(),
			"pending":   snap.Pending,
			"completed": snap.Completed,
		})
	})

	// Price read models.
	mux.HandlePath("GET", "/v1/prices/tokens/{base}/{quote}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		base, err1 := parseUint32(p["base"])
		quote, err2 := parseUint32(p["quote"])
		if err1 != nil || err2 != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad property id"))
			return
		}
		pair := orderbook.Pair{Base: base, Quote: quote}
		writeJSON(w, map[string]interface{}{
			"last":   deps.History.LastTokenPrice(pair),
			"series": deps.History.TokenSeries(pair, limitParam(r, 50)),
		})
	})
	mux.HandlePath("GET", "/v1/prices/contracts/{id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		id, err := parseUint32(p["id"])
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"last":   deps.History.LastContractPrice(id),
			"series": deps.History.ContractSeries(id, limitParam(r, 50)),
		})
	})

	// Operator surface.
	mux.HandlePath("POST", "/v1/admin/blocks", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := deps.Ingest.SubmitBlock(r.Context(), body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, map[string]bool{"accepted": true})
	})
	mux.HandlePath("POST", "/v1/admin/reorg", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		var req struct {
			BlockHash string `json:"block_hash"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := deps.Ingest.SubmitReorg(r.Context(), req.BlockHash); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, map[string]bool{"accepted": true})
	})
	mux.HandlePath("GET", "/v1/admin/integrity", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		report, err := deps.Query.VerifyIntegrity(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, report)
	})

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return uint32(v), nil
}

func limitParam(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}
