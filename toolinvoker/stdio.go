package toolinvoker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/perloop-ai/perloop/internal/config"
)

// stdioSession implements session over the MCP-style stdio transport: a
// long-lived subprocess speaking Content-Length-framed JSON-RPC on its
// stdin/stdout, adapted from the persistent-process-plus-pending-map design
// in _examples/goadesign-goa-ai/features/mcp/runtime/stdiocaller.go.
type stdioSession struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	pending   map[uint64]chan rpcResult
	pendingMu sync.Mutex
	writeMu   sync.Mutex
	nextID    uint64
	closed    chan struct{}
	closeOnce sync.Once
}

type rpcResult struct {
	raw json.RawMessage
	err error
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("tool server error %d: %s", e.Code, e.Message)
}

// dialStdio launches the configured command and performs the initialize
// handshake, returning a session that stays open across calls.
func dialStdio(ctx context.Context, cfg config.MCPServerConfig) (session, error) {
	if cfg.Command == "" {
		return nil, errors.New("toolinvoker: server command is required")
	}
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	s := &stdioSession{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan rpcResult),
		closed:  make(chan struct{}),
	}
	go s.readLoop(stdout)
	if stderr != nil {
		go io.Copy(io.Discard, stderr)
	}
	if err := s.initialize(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *stdioSession) initialize(ctx context.Context) error {
	_, err := s.invoke(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "perloop", "version": "dev"},
	})
	return err
}

// ListTools calls the tools/list RPC method and returns the tool names the
// server advertises.
func (s *stdioSession) ListTools(ctx context.Context) ([]string, error) {
	raw, err := s.invoke(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var listed struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		return nil, fmt.Errorf("toolinvoker: decode tools/list: %w", err)
	}
	names := make([]string, len(listed.Tools))
	for i, t := range listed.Tools {
		names[i] = t.Name
	}
	return names, nil
}

// Call invokes tools/call for the named tool with the given JSON payload as
// its arguments.
func (s *stdioSession) Call(ctx context.Context, tool string, payload []byte) ([]byte, error) {
	raw, err := s.invoke(ctx, "tools/call", map[string]any{
		"name":      tool,
		"arguments": json.RawMessage(payload),
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *stdioSession) invoke(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.next()
	ch := make(chan rpcResult, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	if err := s.writeMessage(req); err != nil {
		s.removePending(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.raw, res.err
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("toolinvoker: session closed")
	}
}

func (s *stdioSession) writeMessage(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := io.WriteString(s.stdin, header); err != nil {
		return err
	}
	_, err = s.stdin.Write(data)
	return err
}

func (s *stdioSession) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			s.failPending(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		if resp.ID == 0 {
			continue
		}
		s.pendingMu.Lock()
		ch, ok := s.pending[resp.ID]
		if ok {
			delete(s.pending, resp.ID)
		}
		s.pendingMu.Unlock()
		if !ok {
			continue
		}
		if resp.Error != nil {
			ch <- rpcResult{err: resp.Error}
		} else {
			ch <- rpcResult{raw: resp.Result}
		}
		close(ch)
	}
}

func (s *stdioSession) failPending(err error) {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- rpcResult{err: err}
		close(ch)
	}
	s.pendingMu.Unlock()
	_ = s.Close()
}

func (s *stdioSession) removePending(id uint64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *stdioSession) next() uint64 {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *stdioSession) Close() error {
	s.closeOnce.Do(func() {
		if s.stdin != nil {
			_ = s.stdin.Close()
		}
		if s.cmd != nil && s.cmd.ProcessState == nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		if s.cmd != nil {
			_ = s.cmd.Wait()
		}
		close(s.closed)
	})
	return nil
}

func readFrame(reader *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, err
			}
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("toolinvoker: content-length header missing")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
