package capability

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/triagekit/triagekit/pkg/schema"
)

// BackendConfig describes how to launch one capability backend subprocess.
type BackendConfig struct {
	Backend schema.Backend
	Command string   // MCP server binary path
	Args    []string // CLI arguments
	Env     []string // environment variables
}

// SubprocessProvider runs the two capability backends as MCP server
// subprocesses speaking line-delimited JSON-RPC over stdio. Abilities are
// dispatched as tools/call requests to the backend the routing table names.
type SubprocessProvider struct {
	mu       sync.RWMutex
	backends map[schema.Backend]*backendProcess
	logger   *slog.Logger
}

type backendProcess struct {
	config BackendConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cancel context.CancelFunc

	// reqMu serializes request/response pairs on the stdio pipe.
	reqMu  sync.Mutex
	nextID int64
	status string // starting, healthy, unhealthy, stopped
}

// NewSubprocessProvider launches the configured backends and performs the MCP
// handshake with each. All launched backends are stopped if any fails.
func NewSubprocessProvider(ctx context.Context, configs []BackendConfig, logger *slog.Logger) (*SubprocessProvider, error) {
	p := &SubprocessProvider{
		backends: make(map[schema.Backend]*backendProcess),
		logger:   logger,
	}

	for _, cfg := range configs {
		if err := p.launch(ctx, cfg); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *SubprocessProvider) launch(ctx context.Context, cfg BackendConfig) error {
	p.mu.Lock()
	if _, exists := p.backends[cfg.Backend]; exists {
		p.mu.Unlock()
		return fmt.Errorf("backend %q already launched", cfg.Backend)
	}
	p.mu.Unlock()

	procCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	bp := &backendProcess{
		config: cfg,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		cancel: cancel,
		status: "starting",
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start backend %q: %w", cfg.Backend, err)
	}

	if err := bp.handshake(); err != nil {
		cancel()
		_ = cmd.Process.Kill()
		return fmt.Errorf("handshake with backend %q: %w", cfg.Backend, err)
	}
	bp.status = "healthy"

	p.mu.Lock()
	p.backends[cfg.Backend] = bp
	p.mu.Unlock()

	p.logger.Info("capability backend started",
		slog.String("backend", string(cfg.Backend)),
		slog.String("command", cfg.Command),
	)
	return nil
}

// handshake sends the MCP initialize request and reads the response.
func (bp *backendProcess) handshake() error {
	resp, err := bp.roundTrip(map[string]any{
		"jsonrpc": "2.0",
		"id":      bp.requestID(),
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "triagekit",
				"version": "1.0.0",
			},
		},
	}, 10*time.Second)
	if err != nil {
		return err
	}
	if errField, exists := resp["error"]; exists {
		return fmt.Errorf("backend error: %v", errField)
	}
	return nil
}

func (bp *backendProcess) requestID() int64 {
	bp.nextID++
	return bp.nextID
}

// roundTrip writes one JSON-RPC request line and reads one response line.
func (bp *backendProcess) roundTrip(req map[string]any, timeout time.Duration) (map[string]any, error) {
	bp.reqMu.Lock()
	defer bp.reqMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := bp.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	scanner := bufio.NewScanner(bp.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	done := make(chan map[string]any, 1)

	go func() {
		if scanner.Scan() {
			var resp map[string]any
			_ = json.Unmarshal(scanner.Bytes(), &resp)
			done <- resp
		} else {
			done <- nil
		}
	}()

	select {
	case resp := <-done:
		if resp == nil {
			return nil, fmt.Errorf("failed to read response")
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %s", timeout)
	}
}

func (p *SubprocessProvider) Invoke(ctx context.Context, req *schema.CapabilityRequest) (*schema.CapabilityResult, error) {
	start := time.Now()

	backend, ok := Route(req.Ability)
	if !ok {
		return unknownAbilityResult(req.Ability), nil
	}

	p.mu.RLock()
	bp, exists := p.backends[backend]
	p.mu.RUnlock()
	if !exists {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityFailure,
			"no backend process for %q", backend)
	}

	resp, err := bp.roundTrip(map[string]any{
		"jsonrpc": "2.0",
		"id":      bp.requestID(),
		"method":  "tools/call",
		"params": map[string]any{
			"name": req.Ability,
			"arguments": map[string]any{
				"parameters": req.Parameters,
				"context":    req.Context,
				"session_id": req.SessionID,
			},
		},
	}, 30*time.Second)
	if err != nil {
		bp.status = "unhealthy"
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityFailure,
			"backend %s transport failure: %s", backend, err.Error()).WithCause(err)
	}

	elapsed := time.Since(start).Milliseconds()

	if errField, exists := resp["error"]; exists {
		errJSON, _ := json.Marshal(errField)
		return &schema.CapabilityResult{
			Success:         false,
			Error:           string(errJSON),
			ExecutionTimeMs: elapsed,
			Backend:         backend,
		}, nil
	}

	data, toolErr := decodeToolResult(resp["result"])
	result := &schema.CapabilityResult{
		Success:         toolErr == "",
		Data:            data,
		Error:           toolErr,
		ExecutionTimeMs: elapsed,
		Backend:         backend,
	}
	return result, nil
}

// decodeToolResult unpacks an MCP tools/call result. Servers return either a
// bare object or the standard content envelope with JSON in a text block.
func decodeToolResult(raw any) (map[string]any, string) {
	result, ok := raw.(map[string]any)
	if !ok {
		return nil, "malformed tool result"
	}

	isError, _ := result["isError"].(bool)

	content, hasContent := result["content"].([]any)
	if !hasContent {
		if isError {
			return nil, "tool reported an error"
		}
		return result, ""
	}

	var text string
	for _, block := range content {
		m, ok := block.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := m["text"].(string); ok {
			text = t
			break
		}
	}

	if isError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, text
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		// Non-JSON text payloads are wrapped verbatim.
		return map[string]any{"message": text}, ""
	}
	return data, ""
}

// Status returns the current status of all managed backends.
func (p *SubprocessProvider) Status() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]string, len(p.backends))
	for backend, bp := range p.backends {
		result[string(backend)] = bp.status
	}
	return result
}

// Close stops all backend subprocesses, closing stdin to signal shutdown and
// killing any process that does not exit within the grace period.
func (p *SubprocessProvider) Close() error {
	p.mu.Lock()
	backends := p.backends
	p.backends = make(map[schema.Backend]*backendProcess)
	p.mu.Unlock()

	var lastErr error
	for name, bp := range backends {
		bp.cancel()
		if bp.cmd.Process != nil {
			_ = bp.stdin.Close()

			done := make(chan error, 1)
			go func() { done <- bp.cmd.Wait() }()

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				_ = bp.cmd.Process.Kill()
				<-done
			}
		}
		bp.status = "stopped"
		p.logger.Info("capability backend stopped", slog.String("backend", string(name)))
	}
	return lastErr
}

var _ Provider = (*SubprocessProvider)(nil)
