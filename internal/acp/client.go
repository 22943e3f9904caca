package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	ps "github.com/mitchellh/go-ps"
)

// State is the lifecycle state of a Client's underlying subprocess.
type State int

const (
	StateStarting State = iota
	StateReady
	StateDead
)

// turnEndQueueCheckTimeout bounds how long Prompt waits on an apparently
// empty notification queue before treating the turn as finished. A chunk
// that is mid-flight from the agent process but not yet enqueued gets this
// long to land before the synthetic TurnEnd fires — this is the fix for
// the chunk-loss regression where TurnEnd raced ahead of the final chunks.
const turnEndQueueCheckTimeout = 50 * time.Millisecond

// killGrace is how long Kill waits for the process group to exit after
// SIGTERM before escalating to SIGKILL.
const killGrace = 5 * time.Second

// ErrNotInitialized names the condition of a client whose Initialize has
// not completed. No Client method returns it: session operations are sent
// to the agent whether or not the handshake has run.
var ErrNotInitialized = fmt.Errorf("acp: client not initialized")

// ErrProcessDied is returned for pending or new calls once the agent
// subprocess has exited or its stdout pipe has closed.
var ErrProcessDied = fmt.Errorf("acp: agent process died")

// Client is an ACP client communicating with an agent-CLI subprocess over
// line-delimited JSON-RPC on stdin/stdout, launched in its own process
// group so the whole tree can be signaled together.
type Client struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	encMu   sync.Mutex

	nextID    int64
	pending   map[int64]chan *jsonrpcResponse
	pendingMu sync.Mutex

	notifications chan *jsonrpcNotification

	state     atomic.Value // State
	killOnce  sync.Once
	infoMu    sync.Mutex
	agentInfo *AgentInfo
	agentCaps *AgentCapabilities

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *slog.Logger
}

// NewClient spawns the agent-CLI as a subprocess in its own process group
// and begins reading its stdout for JSON-RPC responses and notifications.
func NewClient(command string, args []string, workDir string, env map[string]string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	cmd := exec.Command(command, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("acp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("acp: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("acp: stderr pipe: %w", err)
	}

	c := &Client{
		cmd:           cmd,
		stdin:         stdin,
		scanner:       bufio.NewScanner(stdout),
		pending:       make(map[int64]chan *jsonrpcResponse),
		notifications: make(chan *jsonrpcNotification, 256),
		ctx:           ctx,
		cancel:        cancel,
		log:           log,
	}
	c.scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	c.state.Store(StateStarting)

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("acp: start agent process: %w", err)
	}
	c.state.Store(StateReady)

	c.wg.Add(2)
	go c.readLoop()
	go c.readStderr(stderr)

	return c, nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.markDead()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      *int64          `json:"id"`
			Method  string          `json:"method"`
			Result  json.RawMessage `json:"result"`
			Error   *JSONRPCError   `json:"error"`
			Params  json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("acp: failed to parse message", "error", err)
			continue
		}

		if msg.ID != nil {
			c.pendingMu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- &jsonrpcResponse{JSONRPC: msg.JSONRPC, ID: *msg.ID, Result: msg.Result, Error: msg.Error}
			}
			continue
		}

		if msg.Method == "" {
			continue
		}
		notif := &jsonrpcNotification{JSONRPC: msg.JSONRPC, Method: msg.Method}
		if len(msg.Params) > 0 {
			var params interface{}
			_ = json.Unmarshal(msg.Params, &params)
			notif.Params = params
		}
		select {
		case c.notifications <- notif:
		default:
			c.log.Warn("acp: notification channel full, dropping", "method", msg.Method)
		}
	}
}

func (c *Client) readStderr(stderr io.ReadCloser) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.log.Debug("agent stderr", "line", scanner.Text())
	}
}

func (c *Client) markDead() {
	c.state.Store(StateDead)
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- &jsonrpcResponse{ID: id, Error: &JSONRPCError{Code: -1, Message: ErrProcessDied.Error()}}
	}
}

// State reports the client's current lifecycle state.
func (c *Client) State() State {
	return c.state.Load().(State)
}

// sendRequest writes a JSON-RPC request and registers a response channel
// for it without waiting for the reply.
func (c *Client) sendRequest(method string, params interface{}) (int64, chan *jsonrpcResponse, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	respCh := make(chan *jsonrpcResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return 0, nil, fmt.Errorf("acp: encode request: %w", err)
	}

	c.encMu.Lock()
	_, werr := c.stdin.Write(append(line, '\n'))
	c.encMu.Unlock()
	if werr != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return 0, nil, fmt.Errorf("acp: write request: %w", werr)
	}

	return id, respCh, nil
}

// call sends a request and blocks for its response or ctx cancellation.
func (c *Client) call(ctx context.Context, method string, params interface{}) (*jsonrpcResponse, error) {
	id, respCh, err := c.sendRequest(method, params)
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) notify(method string, params interface{}) error {
	notif := jsonrpcNotification{JSONRPC: "2.0", Method: method, Params: params}
	line, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("acp: encode notification: %w", err)
	}
	c.encMu.Lock()
	defer c.encMu.Unlock()
	_, err = c.stdin.Write(append(line, '\n'))
	return err
}

// Initialize performs the ACP handshake.
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string) error {
	params := InitializeParams{
		ProtocolVersion: 1,
		ClientCapabilities: ClientCapabilities{
			FS:       &FSCapabilities{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
		ClientInfo: ClientInfo{Name: clientName, Version: clientVersion},
	}
	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("acp: initialize: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("acp: parse initialize result: %w", err)
	}
	c.infoMu.Lock()
	c.agentInfo = &result.AgentInfo
	c.agentCaps = &result.AgentCapabilities
	c.infoMu.Unlock()
	return nil
}

// NewSession creates a fresh ACP session rooted at cwd.
func (c *Client) NewSession(ctx context.Context, cwd string) (string, error) {
	resp, err := c.call(ctx, "session/new", SessionNewParams{CWD: cwd, MCPServers: []MCPServer{}})
	if err != nil {
		return "", fmt.Errorf("acp: session/new: %w", err)
	}
	if resp.Error != nil {
		return "", resp.Error
	}
	var result SessionNewResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("acp: parse session/new result: %w", err)
	}
	return result.SessionID, nil
}

// SessionLoadOutcome is the branch selected by Client.SessionLoad, turning
// the agent-CLI's freeform error strings into typed recovery cases instead
// of string-matching at every call site.
type SessionLoadOutcome int

const (
	// Loaded means the session resumed successfully.
	Loaded SessionLoadOutcome = iota
	// StaleLock means session/load failed because the lock is held by a
	// PID that is no longer running — safe to discard and recreate.
	StaleLock
	// LiveLock means session/load failed because the lock is held by a
	// PID that is still alive (or liveness could not be determined) —
	// must not silently replace the session.
	LiveLock
	// OtherError means session/load failed for an unrelated reason.
	OtherError
)

var lockHeldPattern = "active in another process (PID "

// SessionLoad resumes a session, classifying any failure per the stale vs.
// live lock rule: an agent-CLI session lock is a file guarded by the
// agent's own child process, and only a verifiably dead PID justifies the
// gateway creating a brand-new session in its place.
func (c *Client) SessionLoad(ctx context.Context, sessionID, cwd string) (SessionLoadOutcome, error) {
	resp, err := c.call(ctx, "session/load", SessionLoadParams{SessionID: sessionID, CWD: cwd})
	if err != nil {
		return OtherError, fmt.Errorf("acp: session/load: %w", err)
	}
	if resp.Error != nil {
		return classifyLoadError(resp.Error), resp.Error
	}
	// Notifications may have been emitted while the session state was
	// being replayed; drain anything buffered at this point so a stale
	// agent_message_chunk from the *previous* process doesn't leak into
	// the next Prompt's stream.
	c.drainNotifications()
	return Loaded, nil
}

func (c *Client) drainNotifications() {
	for {
		select {
		case <-c.notifications:
		default:
			return
		}
	}
}

func classifyLoadError(e *JSONRPCError) SessionLoadOutcome {
	idx := strings.Index(e.Message, lockHeldPattern)
	if idx < 0 {
		return OtherError
	}
	rest := e.Message[idx+len(lockHeldPattern):]
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return OtherError
	}
	pid, err := strconv.Atoi(rest[:end])
	if err != nil {
		return OtherError
	}
	if processAlive(pid) {
		return LiveLock
	}
	return StaleLock
}

// processAlive reports whether pid is running. A failed lookup counts as
// alive, so an undeterminable lock owner is classified as LiveLock.
func processAlive(pid int) bool {
	proc, err := ps.FindProcess(pid)
	return err != nil || proc != nil
}

// SetModel changes the model for an already-loaded session.
func (c *Client) SetModel(ctx context.Context, sessionID, modelID string) error {
	resp, err := c.call(ctx, "session/set_model", SessionSetModelParams{SessionID: sessionID, Model: modelID})
	if err != nil {
		return fmt.Errorf("acp: session/set_model: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// Cancel sends a session/cancel notification; it does not wait for a reply.
func (c *Client) Cancel(sessionID string) error {
	return c.notify("session/cancel", map[string]string{"sessionId": sessionID})
}

// Prompt sends a prompt and returns a channel of Updates: one per
// session/update notification belonging to this turn, terminated by a
// single Update with TurnEnd set to true.
//
// The terminating Update is emitted only once the session/prompt response
// has arrived AND the notification queue is observed empty — never
// before. This ordering is the fix for the chunk-loss regression: an
// implementation that emits TurnEnd as soon as the response future
// resolves can race ahead of the last agent_message_chunk notifications
// that arrived in the same scheduling tick, silently truncating the
// agent's final words.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) (<-chan Update, error) {
	return c.PromptBlocks(ctx, sessionID, []ContentBlock{{Type: "text", Text: text}})
}

// PromptBlocks sends a multi-part prompt (e.g. a file reference followed
// by the user's text) for the given session.
func (c *Client) PromptBlocks(ctx context.Context, sessionID string, blocks []ContentBlock) (<-chan Update, error) {
	_, respCh, err := c.sendRequest("session/prompt", SessionPromptParams{
		SessionID: sessionID,
		Prompt:    blocks,
	})
	if err != nil {
		return nil, fmt.Errorf("acp: session/prompt: %w", err)
	}

	out := make(chan Update, 32)
	go c.pumpPrompt(ctx, respCh, out)
	return out, nil
}

func (c *Client) pumpPrompt(ctx context.Context, respCh chan *jsonrpcResponse, out chan<- Update) {
	defer close(out)

	var result *SessionPromptResult
	var resultErr error
	responseDone := false

	emit := func(notif *jsonrpcNotification) {
		su, ok := decodeSessionUpdate(notif)
		if !ok {
			return
		}
		out <- Update{Notification: su}
	}

	for {
		// Drain anything already queued before deciding whether to wait.
		select {
		case notif := <-c.notifications:
			emit(notif)
			continue
		default:
		}

		if !responseDone {
			select {
			case resp := <-respCh:
				responseDone = true
				result, resultErr = decodePromptResult(resp)
				continue
			case notif := <-c.notifications:
				emit(notif)
				continue
			case <-ctx.Done():
				out <- Update{TurnEnd: true, StopReason: "cancelled"}
				return
			}
		}

		// Response has arrived and the queue was empty on the last check.
		// Give one short bounded window for a chunk that's mid-flight
		// from the agent process, then recheck before declaring the turn
		// over — this bounded wait-and-recheck is the load-bearing part
		// of the fix.
		select {
		case notif := <-c.notifications:
			emit(notif)
			continue
		case <-time.After(turnEndQueueCheckTimeout):
			select {
			case notif := <-c.notifications:
				emit(notif)
				continue
			default:
			}
			stopReason := "end_turn"
			if resultErr == nil && result != nil {
				stopReason = result.StopReason
			}
			out <- Update{TurnEnd: true, StopReason: stopReason}
			return
		}
	}
}

func decodeSessionUpdate(notif *jsonrpcNotification) (*SessionUpdateParams, bool) {
	if notif.Method != "session/update" {
		return nil, false
	}
	raw, err := json.Marshal(notif.Params)
	if err != nil {
		return nil, false
	}
	var params SessionUpdateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, false
	}
	return &params, true
}

func decodePromptResult(resp *jsonrpcResponse) (*SessionPromptResult, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	var result SessionPromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("acp: parse session/prompt result: %w", err)
	}
	return &result, nil
}

// Kill terminates the agent process group: SIGTERM first, then SIGKILL
// after killGrace if the group hasn't exited. Idempotent.
func (c *Client) Kill() {
	c.killOnce.Do(func() {
		pgid := c.cmd.Process.Pid
		_ = syscall.Kill(-pgid, syscall.SIGTERM)

		done := make(chan struct{})
		go func() {
			_ = c.cmd.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(killGrace):
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			<-done
		}

		c.cancel()
		_ = c.stdin.Close()
		c.wg.Wait()
	})
}

// Ping reports whether the subprocess is still alive.
func (c *Client) Ping() error {
	if c.State() == StateDead {
		return ErrProcessDied
	}
	if c.cmd.ProcessState != nil && c.cmd.ProcessState.Exited() {
		return ErrProcessDied
	}
	return nil
}

// AgentInfo returns the agent identity reported at Initialize, if any.
func (c *Client) AgentInfo() *AgentInfo {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.agentInfo
}

// AgentCapabilities returns the agent capabilities reported at Initialize.
func (c *Client) AgentCapabilities() *AgentCapabilities {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.agentCaps
}

// PID returns the process group ID (equal to the child's PID) for logging.
func (c *Client) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}
