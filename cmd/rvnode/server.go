package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dshills/riscv-go/vm"
	"github.com/dshills/riscv-go/vm/store"
)

// server is the HTTP front end: one engine, its receipt store, and the
// modules uploaded so far, each with an instance pool.
type server struct {
	engine     *vm.Engine
	logger     *zap.Logger
	registry   *prometheus.Registry
	defaultGas uint64
	poolSize   int

	mu      sync.RWMutex
	modules map[string]*moduleEntry
}

type moduleEntry struct {
	module *vm.Module
	pool   *vm.Pool
}

func newServer(engine *vm.Engine, cfg *Config, logger *zap.Logger, registry *prometheus.Registry) *server {
	return &server{
		engine:     engine,
		logger:     logger,
		registry:   registry,
		defaultGas: cfg.DefaultGas,
		poolSize:   cfg.PoolSize,
		modules:    make(map[string]*moduleEntry),
	}
}

// close shuts down every module's instance pool.
func (s *server) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.modules {
		entry.pool.Close()
	}
	s.modules = make(map[string]*moduleEntry)
}

func (s *server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware(s.logger))
	r.Use(loggingMiddleware)

	r.HandleFunc("/v1/modules", s.handleCreateModule).Methods(http.MethodPost)
	r.HandleFunc("/v1/modules/{hash}", s.handleGetModule).Methods(http.MethodGet)
	r.HandleFunc("/v1/modules/{hash}/disasm", s.handleDisasm).Methods(http.MethodGet)
	r.HandleFunc("/v1/modules/{hash}/calls", s.handleCall).Methods(http.MethodPost)
	r.HandleFunc("/v1/modules/{hash}/receipts", s.handleListReceipts).Methods(http.MethodGet)
	r.HandleFunc("/v1/receipts/{id}", s.handleGetReceipt).Methods(http.MethodGet)
	r.HandleFunc("/v1/receipts/{id}/replay", s.handleReplay).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

type moduleResponse struct {
	Hash         string `json:"hash"`
	Size         uint32 `json:"size"`
	Instructions uint32 `json:"instructions"`
}

func moduleInfo(m *vm.Module) moduleResponse {
	return moduleResponse{
		Hash:         m.Hash(),
		Size:         m.Size(),
		Instructions: m.Instructions(),
	}
}

// handleCreateModule handles POST /v1/modules. The body carries the code
// image as base64; uploading the same bytes twice returns the existing
// module with 200 instead of 201.
func (s *server) handleCreateModule(w http.ResponseWriter, r *http.Request) {
	// Base64 inflates by 4/3; anything past this cannot be a valid image.
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.engine.MaxCodeSize())*2+4096)

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "code image exceeds the server's size limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON with a base64 code field")
		return
	}
	code, err := base64.StdEncoding.DecodeString(body.Code)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CODE", "code is not valid base64")
		return
	}

	module, err := s.engine.NewModule(code)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_MODULE", err.Error())
		return
	}

	s.mu.Lock()
	entry, exists := s.modules[module.Hash()]
	if !exists {
		pool, perr := vm.NewPool(s.engine, module, s.poolSize)
		if perr != nil {
			s.mu.Unlock()
			writeError(w, r, http.StatusInternalServerError, "POOL_FAILED", perr.Error())
			return
		}
		entry = &moduleEntry{module: module, pool: pool}
		s.modules[module.Hash()] = entry
	}
	s.mu.Unlock()

	status := http.StatusCreated
	if exists {
		status = http.StatusOK
	}
	requestLogger(r).Info("module loaded",
		zap.String("module_hash", entry.module.Hash()),
		zap.Uint32("size", entry.module.Size()),
		zap.Bool("existing", exists))
	writeJSON(w, status, moduleInfo(entry.module))
}

func (s *server) moduleByHash(hash string) (*moduleEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.modules[hash]
	return entry, ok
}

func (s *server) lookup(r *http.Request) (*moduleEntry, bool) {
	return s.moduleByHash(mux.Vars(r)["hash"])
}

// handleGetModule handles GET /v1/modules/{hash}.
func (s *server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, "MODULE_NOT_FOUND", "no module with that hash is loaded")
		return
	}
	writeJSON(w, http.StatusOK, moduleInfo(entry.module))
}

// handleDisasm handles GET /v1/modules/{hash}/disasm.
func (s *server) handleDisasm(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, "MODULE_NOT_FOUND", "no module with that hash is loaded")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, entry.module.Disassemble())
}

type callRequest struct {
	EntryPC uint32 `json:"entry_pc"`
	Arg     uint32 `json:"arg"`
	// Gas overrides the server's per-call budget when non-zero. Ignored
	// when the server runs unmetered.
	Gas uint64 `json:"gas"`
}

type callResponse struct {
	Status    string `json:"status"`
	Result    uint32 `json:"result"`
	GasUsed   uint64 `json:"gas_used"`
	Steps     uint64 `json:"steps"`
	ReceiptID string `json:"receipt_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleCall handles POST /v1/modules/{hash}/calls. Settled guest outcomes,
// including traps, return the call body; traps use 422 so clients can tell
// a guest fault from a transport error.
func (s *server) handleCall(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, "MODULE_NOT_FOUND", "no module with that hash is loaded")
		return
	}

	var body callRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON")
		return
	}

	inst, err := entry.pool.Get()
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "POOL_CLOSED", err.Error())
		return
	}

	// Pooled instances keep their tank across calls, so load the budget
	// every time.
	if inst.Metered() {
		gas := s.defaultGas
		if body.Gas > 0 {
			gas = body.Gas
		}
		inst.SetGas(gas)
	}

	gasBefore := inst.Gas()
	result, callErr := inst.Call(r.Context(), body.EntryPC, body.Arg)

	resp := callResponse{
		Status:  vm.CallStatus(callErr),
		Result:  result,
		GasUsed: gasBefore - inst.Gas(),
	}

	var trap *vm.Trap
	switch {
	case callErr == nil:
		resp.Steps = inst.LastSteps()
		resp.ReceiptID = inst.LastReceiptID()
		s.putBack(r, entry, inst)
		writeJSON(w, http.StatusOK, resp)

	case errors.As(callErr, &trap):
		resp.Steps = inst.LastSteps()
		resp.ReceiptID = inst.LastReceiptID()
		resp.Error = callErr.Error()
		s.putBack(r, entry, inst)
		writeJSON(w, http.StatusUnprocessableEntity, resp)

	case errors.Is(callErr, vm.ErrOutOfGas), errors.Is(callErr, vm.ErrBreakpoint):
		// The call paused; settle it into a receipt before recycling.
		if err := inst.Reset(r.Context()); err != nil {
			requestLogger(r).Error("settle paused call", zap.Error(err))
		}
		resp.Steps = inst.LastSteps()
		resp.ReceiptID = inst.LastReceiptID()
		resp.Error = callErr.Error()
		s.putBack(r, entry, inst)
		writeJSON(w, http.StatusUnprocessableEntity, resp)

	case errors.Is(callErr, vm.ErrPCOutOfRange), errors.Is(callErr, vm.ErrPCMisaligned):
		// Rejected before execution started; nothing settled.
		s.putBack(r, entry, inst)
		writeError(w, r, http.StatusBadRequest, "INVALID_ENTRY_PC", callErr.Error())

	default:
		s.putBack(r, entry, inst)
		if resp.Status == "canceled" {
			writeError(w, r, http.StatusServiceUnavailable, "CALL_CANCELED", callErr.Error())
			return
		}
		requestLogger(r).Error("call failed", zap.Error(callErr))
		writeError(w, r, http.StatusInternalServerError, "CALL_FAILED", callErr.Error())
	}
}

// putBack recycles an instance, logging rather than failing the response
// when the pool rejects it.
func (s *server) putBack(r *http.Request, entry *moduleEntry, inst *vm.Instance) {
	if err := entry.pool.Put(r.Context(), inst); err != nil {
		requestLogger(r).Warn("recycle instance", zap.Error(err))
	}
}

// handleListReceipts handles GET /v1/modules/{hash}/receipts?limit=N.
func (s *server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, "MODULE_NOT_FOUND", "no module with that hash is loaded")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = n
	}

	receipts, err := s.engine.Store().ListReceipts(r.Context(), entry.module.Hash(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// handleGetReceipt handles GET /v1/receipts/{id}.
func (s *server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Store().LoadReceipt(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "RECEIPT_NOT_FOUND", "no receipt with that id")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type replayResponse struct {
	ReceiptID         string `json:"receipt_id"`
	Match             bool   `json:"match"`
	Status            string `json:"status"`
	Result            uint32 `json:"result"`
	StateHash         string `json:"state_hash"`
	Steps             uint64 `json:"steps"`
	ExpectedStatus    string `json:"expected_status"`
	ExpectedResult    uint32 `json:"expected_result"`
	ExpectedStateHash string `json:"expected_state_hash"`
	ExpectedSteps     uint64 `json:"expected_steps"`
}

// handleReplay handles POST /v1/receipts/{id}/replay. The receipt's module
// must currently be loaded; replay runs on a throwaway instance and writes
// nothing.
func (s *server) handleReplay(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Store().LoadReceipt(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "RECEIPT_NOT_FOUND", "no receipt with that id")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}

	entry, ok := s.moduleByHash(rec.ModuleHash)
	if !ok {
		writeError(w, r, http.StatusConflict, "MODULE_NOT_LOADED", "upload the receipt's module before replaying")
		return
	}

	report, err := s.engine.Replay(r.Context(), entry.module, rec)
	switch {
	case errors.Is(err, vm.ErrReplayUnsupported):
		writeError(w, r, http.StatusUnprocessableEntity, "REPLAY_UNSUPPORTED", err.Error())
		return
	case err != nil:
		if r.Context().Err() != nil {
			writeError(w, r, http.StatusServiceUnavailable, "REPLAY_CANCELED", err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "REPLAY_FAILED", err.Error())
		return
	}

	requestLogger(r).Info("replay verified",
		zap.String("receipt_id", rec.ID),
		zap.Bool("match", report.Match))
	writeJSON(w, http.StatusOK, replayResponse{
		ReceiptID:         report.ReceiptID,
		Match:             report.Match,
		Status:            report.Status,
		Result:            report.Result,
		StateHash:         report.StateHash,
		Steps:             report.Steps,
		ExpectedStatus:    report.ExpectedStatus,
		ExpectedResult:    report.ExpectedResult,
		ExpectedStateHash: report.ExpectedStateHash,
		ExpectedSteps:     report.ExpectedSteps,
	})
}

// handleHealthz handles GET /healthz.
func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	loaded := len(s.modules)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "rvnode",
		"modules":   loaded,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyLogger
)

func requestIDMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", reqID)

			ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
			ctx = context.WithValue(ctx, ctxKeyLogger, logger.With(zap.String("request_id", reqID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		requestLogger(r).Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestID(r *http.Request) string {
	if v, ok := r.Context().Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

func requestLogger(r *http.Request) *zap.Logger {
	if l, ok := r.Context().Value(ctxKeyLogger).(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.NewNop()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": requestID(r),
		},
	})
}
