package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/caffeineduck/contractbox/executor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for contract execution",
	Long: `Start an HTTP server that runs contracts.

Endpoints:
  POST   /execute                  Run a contract to completion
  POST   /contracts                Start a long-lived contract, returns {"contract_id":"..."}
  POST   /contracts/{id}/messages  Post a JSON message to the contract
  GET    /contracts/{id}/messages  Drain messages and output the contract produced
  GET    /contracts/{id}/stream    WebSocket: send messages in, receive messages and output live
  DELETE /contracts/{id}           Stop the contract
  GET    /health                   Health check
  GET    /metrics                  Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (env CONTRACTBOX_LISTEN)")
	serveCmd.Flags().Duration("timeout", executor.DefaultTimeout, "Default execution timeout (env CONTRACTBOX_TIMEOUT)")
	serveCmd.Flags().Duration("contract-ttl", 15*time.Minute, "Idle time after which a long-lived contract is stopped")
	serveCmd.Flags().Bool("kv", false, "Enable key-value store shared by all contracts")
	serveCmd.Flags().StringSlice("allow-host", nil, "Allow HTTP and DNS to host (repeatable, env CONTRACTBOX_ALLOWED_HOSTS)")
	serveCmd.Flags().StringSlice("mount", nil, "Mount host directory read-only as virtual:host (repeatable)")

	rootCmd.AddCommand(serveCmd)
}

type contractManager struct {
	contracts map[string]*serverContract
	mu        sync.RWMutex
	ttl       time.Duration
}

// serverContract buffers what a long-lived contract produces until a client
// fetches it.
type serverContract struct {
	contract *executor.Contract

	mu       sync.Mutex
	lastUsed time.Time
	messages []json.RawMessage
	stdout   []string
	notify   chan struct{}
}

func (sc *serverContract) signal() {
	select {
	case sc.notify <- struct{}{}:
	default:
	}
}

// drain hands back and clears everything buffered so far.
func (sc *serverContract) drain() ([]json.RawMessage, []string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.lastUsed = time.Now()
	messages, stdout := sc.messages, sc.stdout
	sc.messages, sc.stdout = nil, nil
	return messages, stdout
}

func newContractManager(ttl time.Duration) *contractManager {
	return &contractManager{
		contracts: make(map[string]*serverContract),
		ttl:       ttl,
	}
}

func (cm *contractManager) start(ctx context.Context, c *executor.Contract) (string, error) {
	sc := &serverContract{contract: c, lastUsed: time.Now(), notify: make(chan struct{}, 1)}
	c.OnMessage(func(msg json.RawMessage) {
		sc.mu.Lock()
		sc.messages = append(sc.messages, msg)
		sc.mu.Unlock()
		sc.signal()
	})
	c.OnStdout(func(line string) {
		sc.mu.Lock()
		sc.stdout = append(sc.stdout, line)
		sc.mu.Unlock()
		sc.signal()
	})
	if err := c.Start(ctx); err != nil {
		return "", err
	}

	cm.mu.Lock()
	cm.contracts[c.ID()] = sc
	cm.mu.Unlock()
	return c.ID(), nil
}

func (cm *contractManager) get(id string) (*serverContract, bool) {
	cm.mu.RLock()
	sc, ok := cm.contracts[id]
	cm.mu.RUnlock()
	if !ok {
		return nil, false
	}

	sc.mu.Lock()
	sc.lastUsed = time.Now()
	sc.mu.Unlock()
	return sc, true
}

func (cm *contractManager) stop(id string) bool {
	cm.mu.Lock()
	sc, ok := cm.contracts[id]
	delete(cm.contracts, id)
	cm.mu.Unlock()
	if ok {
		sc.contract.Kill()
		sc.contract.Wait()
	}
	return ok
}

func (cm *contractManager) cleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		var expired []string
		cm.mu.RLock()
		for id, sc := range cm.contracts {
			sc.mu.Lock()
			if now.Sub(sc.lastUsed) > cm.ttl {
				expired = append(expired, id)
			}
			sc.mu.Unlock()
		}
		cm.mu.RUnlock()
		for _, id := range expired {
			cm.stop(id)
		}
	}
}

func (cm *contractManager) stopAll() {
	cm.mu.RLock()
	ids := make([]string, 0, len(cm.contracts))
	for id := range cm.contracts {
		ids = append(ids, id)
	}
	cm.mu.RUnlock()
	for _, id := range ids {
		cm.stop(id)
	}
}

type executeRequest struct {
	Code     string `json:"code"`
	Timeout  string `json:"timeout,omitempty"`
	Manifest string `json:"manifest,omitempty"`
}

type executeResponse struct {
	Value      json.RawMessage `json:"value,omitempty"`
	Output     string          `json:"output"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

type createContractResponse struct {
	ContractID string `json:"contract_id"`
}

type messagesResponse struct {
	Messages []json.RawMessage `json:"messages"`
	Stdout   []string          `json:"stdout"`
	Done     bool              `json:"done"`
	Result   *executeResponse  `json:"result,omitempty"`
}

type server struct {
	exec      *executor.Executor
	contracts *contractManager
	root      string
	gatherer  prometheus.Gatherer
	log       *zap.Logger
}

func newResponse(r executor.Result) executeResponse {
	resp := executeResponse{
		Output:     r.Output,
		DurationMs: r.Duration.Milliseconds(),
	}
	if r.Value != "" {
		resp.Value = json.RawMessage(r.Value)
	}
	if r.Error != nil {
		resp.Error = r.Error.Error()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// runOpts returns the options of one contract started through the API.
func (s *server) runOpts(timeout, manifest string) ([]executor.Option, error) {
	var opts []executor.Option
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		opts = append(opts, executor.WithTimeout(d))
	}
	if manifest != "" {
		opts = append(opts, executor.WithManifest(s.root, manifest))
	}
	return opts, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /execute", func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Code == "" {
			http.Error(w, "code required", http.StatusBadRequest)
			return
		}
		opts, err := s.runOpts(req.Timeout, req.Manifest)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result := s.exec.Run(r.Context(), req.Code, opts...)
		writeJSON(w, http.StatusOK, newResponse(result))
	})

	mux.HandleFunc("POST /contracts", func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Code == "" {
			http.Error(w, "code required", http.StatusBadRequest)
			return
		}
		opts, err := s.runOpts(req.Timeout, req.Manifest)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Timeout == "" {
			opts = append(opts, executor.WithTimeout(0))
		}

		// The contract outlives the request.
		id, err := s.contracts.start(context.Background(), s.exec.NewContract(req.Code, opts...))
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to start contract: %v", err), http.StatusInternalServerError)
			return
		}
		s.log.Info("contract started", zap.String("contract", id))
		writeJSON(w, http.StatusCreated, createContractResponse{ContractID: id})
	})

	mux.HandleFunc("POST /contracts/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		sc, ok := s.contracts.get(r.PathValue("id"))
		if !ok {
			http.Error(w, "contract not found", http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil || !json.Valid(body) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := sc.contract.PostMessage(json.RawMessage(body)); err != nil {
			if errors.Is(err, executor.ErrContractFinished) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /contracts/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		sc, ok := s.contracts.get(r.PathValue("id"))
		if !ok {
			http.Error(w, "contract not found", http.StatusNotFound)
			return
		}
		resp := messagesResponse{Messages: []json.RawMessage{}, Stdout: []string{}}
		select {
		case <-sc.contract.Done():
			resp.Done = true
			result := newResponse(sc.contract.Wait())
			resp.Result = &result
		default:
		}
		messages, stdout := sc.drain()
		resp.Messages = append(resp.Messages, messages...)
		resp.Stdout = append(resp.Stdout, stdout...)
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /contracts/{id}/stream", s.stream)

	mux.HandleFunc("DELETE /contracts/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !s.contracts.stop(r.PathValue("id")) {
			http.Error(w, "contract not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func runServe(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	if listen == "" {
		listen = appConfig.Listen
	}
	ttl, _ := cmd.Flags().GetDuration("contract-ttl")

	caps, err := capabilities(cmd)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &server{
		exec:      newExecutor(caps, reg),
		contracts: newContractManager(ttl),
		root:      appConfig.Root,
		gatherer:  reg,
		log:       logger,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.contracts.cleanup(ctx, time.Minute)
	defer s.contracts.stopAll()

	logger.Info("contractbox server listening", zap.String("addr", listen))
	fmt.Fprintf(cmd.ErrOrStderr(), "contractbox server listening on %s\n", listen)
	return http.ListenAndServe(listen, s.routes())
}
