package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/acp2/gateway/internal/common/logger"
)

// TestMain doubles as a stub agent: when the test binary is re-executed with
// -stub-agent=<mode> it speaks the agent side of the wire protocol on stdio
// instead of running the test suite.
func TestMain(m *testing.M) {
	for _, arg := range os.Args {
		if mode, ok := strings.CutPrefix(arg, "-stub-agent="); ok {
			stubAgentMain(mode)
			return
		}
	}
	os.Exit(m.Run())
}

func stubCommand(mode string) []string {
	return []string{os.Args[0], "-stub-agent=" + mode}
}

func stubAgentMain(mode string) {
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	write := func(v interface{}) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		os.Stdout.Write(append(data, '\n'))
	}
	chunk := func(text string) {
		write(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "session/update",
			"params": map[string]interface{}{
				"sessionId": "stub-session",
				"update": map[string]interface{}{
					"sessionUpdate": "agent_message_chunk",
					"content":       map[string]string{"type": "text", "text": text},
				},
			},
		})
	}

	type request struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}

	for in.Scan() {
		line := in.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		switch req.Method {
		case "initialize":
			result := map[string]interface{}{}
			if mode == "auth" {
				result["authMethods"] = []map[string]string{{"id": "apikey"}}
			}
			write(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
			if mode == "oneshot" {
				// Reply and exit immediately, without waiting for stdin EOF.
				os.Exit(0)
			}

		case "authenticate":
			if os.Getenv("OPENAI_API_KEY") == "" {
				write(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID,
					"error": map[string]interface{}{"code": -32000, "message": "no api key"}})
			} else {
				write(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": map[string]interface{}{}})
			}

		case "session/new":
			write(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]string{"sessionId": "stub-session"}})

		case "session/load":
			chunk("replayed ")
			write(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": map[string]interface{}{}})

		case "session/prompt":
			switch mode {
			case "crash":
				fmt.Fprintln(os.Stderr, "stub agent crashing")
				os.Exit(1)
			case "hang":
				// select{} would trip the runtime deadlock detector in this
				// single-goroutine stub; sleeping hangs without crashing.
				for {
					time.Sleep(time.Hour)
				}
			default:
				var p struct {
					Prompt []struct {
						Text string `json:"text"`
					} `json:"prompt"`
				}
				_ = json.Unmarshal(req.Params, &p)
				var text string
				for _, block := range p.Prompt {
					text += block.Text
				}
				// Log noise on stdout exercises tolerant framing.
				fmt.Println("stub: prompting")
				for _, word := range strings.Fields(text) {
					chunk(word + " ")
				}
				write(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID,
					"result": map[string]string{"stopReason": "end_turn"}})
			}
		}
	}
}

// --- pipe-level tests ---

// pipeConn wires a Connection to in-memory pipes, with the agent side
// exposed for the test to script.
func pipeConn(t *testing.T) (*Connection, *io.PipeWriter, *bufio.Reader) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	c := &Connection{logger: logger.NewNop()}
	c.stdin = stdinW
	c.scanner = bufio.NewScanner(stdoutR)
	c.scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	t.Cleanup(func() {
		stdinW.Close()
		stdoutW.Close()
	})
	return c, stdoutW, bufio.NewReader(stdinR)
}

func readRequest(t *testing.T, agentIn *bufio.Reader) inboundFrame {
	t.Helper()
	line, err := agentIn.ReadBytes('\n')
	if err != nil {
		t.Fatalf("failed to read request: %v", err)
	}
	var msg inboundFrame
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("failed to parse request %q: %v", line, err)
	}
	return msg
}

func TestRequestSkipsNonProtocolLines(t *testing.T) {
	c, agentOut, agentIn := pipeConn(t)

	go func() {
		req := readRequest(t, agentIn)
		fmt.Fprintln(agentOut, "")
		fmt.Fprintln(agentOut, "log: starting up")
		fmt.Fprintln(agentOut, "{broken json")
		fmt.Fprintf(agentOut, `{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`+"\n", *req.ID)
	}()

	raw, err := c.Request(context.Background(), "initialize", map[string]interface{}{}, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	var result map[string]bool
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if !result["ok"] {
		t.Error("expected ok result")
	}
}

func TestRequestAcceptsIndentedFrames(t *testing.T) {
	c, agentOut, agentIn := pipeConn(t)

	go func() {
		req := readRequest(t, agentIn)
		fmt.Fprintln(agentOut, "   ")
		fmt.Fprintf(agentOut, "  \t{\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"ok\":true}}\n", *req.ID)
	}()

	raw, err := c.Request(context.Background(), "initialize", nil, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	var result map[string]bool
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if !result["ok"] {
		t.Error("expected ok result")
	}
}

func TestRequestReturnsAgentError(t *testing.T) {
	c, agentOut, agentIn := pipeConn(t)

	go func() {
		req := readRequest(t, agentIn)
		fmt.Fprintf(agentOut, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"no such method"}}`+"\n", *req.ID)
	}()

	_, err := c.Request(context.Background(), "bogus", nil, nil)
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected AgentError, got %v", err)
	}
	if agentErr.Code != -32601 || agentErr.Message != "no such method" {
		t.Errorf("unexpected error %v", agentErr)
	}
}

func TestRequestDispatchesNotifications(t *testing.T) {
	c, agentOut, agentIn := pipeConn(t)

	go func() {
		req := readRequest(t, agentIn)
		fmt.Fprintln(agentOut, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s"}}`)
		fmt.Fprintln(agentOut, `{"jsonrpc":"2.0","method":"other/notification"}`)
		fmt.Fprintf(agentOut, `{"jsonrpc":"2.0","id":%d,"result":{}}`+"\n", *req.ID)
	}()

	var methods []string
	_, err := c.Request(context.Background(), "session/prompt", nil, func(method string, params json.RawMessage) error {
		methods = append(methods, method)
		return nil
	})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if len(methods) != 2 || methods[0] != "session/update" || methods[1] != "other/notification" {
		t.Errorf("unexpected notifications %v", methods)
	}
}

func TestRequestHandlerErrorAborts(t *testing.T) {
	c, agentOut, agentIn := pipeConn(t)

	go func() {
		readRequest(t, agentIn)
		fmt.Fprintln(agentOut, `{"jsonrpc":"2.0","method":"session/update"}`)
	}()

	sentinel := errors.New("handler exploded")
	_, err := c.Request(context.Background(), "session/prompt", nil, func(method string, params json.RawMessage) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected handler error to propagate, got %v", err)
	}
}

func TestRequestEOFReportsStderr(t *testing.T) {
	c, agentOut, agentIn := pipeConn(t)
	c.stderr.lines = []string{"panic: it broke"}

	go func() {
		readRequest(t, agentIn)
		agentOut.Close()
	}()

	_, err := c.Request(context.Background(), "initialize", nil, nil)
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected AgentError, got %v", err)
	}
	if !strings.Contains(agentErr.Message, "closed stdout") {
		t.Errorf("unexpected message %q", agentErr.Message)
	}
	if !strings.Contains(agentErr.Stderr, "panic: it broke") {
		t.Errorf("expected stderr tail, got %q", agentErr.Stderr)
	}
}

func TestNotifyWritesNotification(t *testing.T) {
	c, _, agentIn := pipeConn(t)

	done := make(chan inboundFrame, 1)
	go func() {
		done <- readRequest(t, agentIn)
	}()

	if err := c.Notify(NotificationSessionCancel, sessionCancelParams{SessionID: "s"}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	msg := <-done
	if msg.ID != nil {
		t.Error("notification must not carry an id")
	}
	if msg.Method != NotificationSessionCancel {
		t.Errorf("unexpected method %s", msg.Method)
	}
}

func TestPromptStreamsChunks(t *testing.T) {
	c, agentOut, agentIn := pipeConn(t)

	go func() {
		req := readRequest(t, agentIn)
		for _, word := range []string{"hello ", "world"} {
			fmt.Fprintf(agentOut, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":%q}}}}`+"\n", word)
		}
		fmt.Fprintf(agentOut, `{"jsonrpc":"2.0","id":%d,"result":{"stopReason":"end_turn"}}`+"\n", *req.ID)
	}()

	var chunks []string
	result, err := c.Prompt(context.Background(), "s", []ContentBlock{{Type: "text", Text: "hi"}}, func(text string) {
		chunks = append(chunks, text)
	}, nil)
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if result.StopReason != "end_turn" {
		t.Errorf("expected stop reason end_turn, got %q", result.StopReason)
	}
	if strings.Join(chunks, "") != "hello world" {
		t.Errorf("unexpected chunks %v", chunks)
	}
}

func TestPromptAgentInitiatedCancel(t *testing.T) {
	c, agentOut, agentIn := pipeConn(t)

	go func() {
		readRequest(t, agentIn)
		fmt.Fprintln(agentOut, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s","update":{"sessionUpdate":"session/cancelled"}}}`)
	}()

	_, err := c.Prompt(context.Background(), "s", []ContentBlock{{Type: "text", Text: "hi"}}, nil, nil)
	if !errors.Is(err, ErrPromptCancelled) {
		t.Fatalf("expected ErrPromptCancelled, got %v", err)
	}
}

func TestPromptExternalCancel(t *testing.T) {
	c, _, agentIn := pipeConn(t)

	frames := make(chan inboundFrame, 2)
	go func() {
		// The prompt request, then the cancel notification.
		frames <- readRequest(t, agentIn)
		frames <- readRequest(t, agentIn)
	}()

	cancel := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(cancel)
	}()

	_, err := c.Prompt(context.Background(), "s", []ContentBlock{{Type: "text", Text: "hi"}}, nil, cancel)
	if !errors.Is(err, ErrPromptCancelled) {
		t.Fatalf("expected ErrPromptCancelled, got %v", err)
	}

	select {
	case msg := <-frames:
		if msg.Method != MethodSessionPrompt {
			t.Errorf("expected session/prompt first, got %s", msg.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("prompt request never written")
	}
	select {
	case msg := <-frames:
		if msg.Method != NotificationSessionCancel {
			t.Errorf("expected session/cancel, got %s", msg.Method)
		}
		if msg.ID != nil {
			t.Error("session/cancel must be a notification")
		}
	case <-time.After(time.Second):
		t.Fatal("cancel notification never written")
	}
}

// --- subprocess tests ---

func TestAgentEchoEndToEnd(t *testing.T) {
	c, err := NewConnection(stubCommand("echo"), "", logger.NewNop())
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	sessionID, err := c.StartSession(ctx, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if sessionID != "stub-session" {
		t.Errorf("unexpected session id %q", sessionID)
	}

	var chunks []string
	result, err := c.Prompt(ctx, sessionID, []ContentBlock{{Type: "text", Text: "hello world"}}, func(text string) {
		chunks = append(chunks, text)
	}, nil)
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if result.StopReason != "end_turn" {
		t.Errorf("expected stop reason end_turn, got %q", result.StopReason)
	}
	if got := strings.Join(chunks, ""); got != "hello world " {
		t.Errorf("unexpected echoed text %q", got)
	}
}

// A reply written just before the agent exits must still reach the caller.
// Repeated spawns shake out any dependence on process-exit timing.
func TestAgentReplyBeforeExitIsDelivered(t *testing.T) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancelCtx()

	for i := 0; i < 50; i++ {
		c, err := NewConnection(stubCommand("oneshot"), "", logger.NewNop())
		if err != nil {
			t.Fatalf("NewConnection failed: %v", err)
		}
		if err := c.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if _, err := c.Request(ctx, MethodInitialize, map[string]interface{}{}, nil); err != nil {
			t.Fatalf("attempt %d: Request failed: %v", i, err)
		}
		if err := c.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}
}

func TestAgentAuthentication(t *testing.T) {
	c, err := NewConnection(stubCommand("auth"), "test-key", logger.NewNop())
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize with api key failed: %v", err)
	}
}

func TestAgentAuthenticationMissingKey(t *testing.T) {
	c, err := NewConnection(stubCommand("auth"), "", logger.NewNop())
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	if err := c.Initialize(ctx); err == nil {
		t.Fatal("expected Initialize to fail without an api key")
	}
}

func TestAgentCrashDuringPrompt(t *testing.T) {
	c, err := NewConnection(stubCommand("crash"), "", logger.NewNop())
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	sessionID, err := c.StartSession(ctx, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	_, err = c.Prompt(ctx, sessionID, []ContentBlock{{Type: "text", Text: "boom"}}, nil, nil)
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected AgentError, got %v", err)
	}
}

func TestCloseEscalatesOnHungAgent(t *testing.T) {
	c, err := NewConnection(stubCommand("hang"), "", logger.NewNop())
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	sessionID, err := c.StartSession(ctx, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	cancel := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(cancel)
	}()
	if _, err := c.Prompt(ctx, sessionID, []ContentBlock{{Type: "text", Text: "hi"}}, nil, cancel); !errors.Is(err, ErrPromptCancelled) {
		t.Fatalf("expected ErrPromptCancelled, got %v", err)
	}

	start := time.Now()
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Close took too long: %v", elapsed)
	}
}

func TestLoadSessionForwardsReplay(t *testing.T) {
	c, err := NewConnection(stubCommand("echo"), "", logger.NewNop())
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	var replayed []string
	err = c.LoadSession(ctx, "stub-session", t.TempDir(), nil, func(method string, raw json.RawMessage) error {
		var note sessionUpdateNotification
		if err := json.Unmarshal(raw, &note); err != nil {
			return nil
		}
		replayed = append(replayed, note.Update.Content.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if len(replayed) != 1 || replayed[0] != "replayed " {
		t.Errorf("unexpected replay %v", replayed)
	}
}

func TestNewConnectionEmptyCommand(t *testing.T) {
	if _, err := NewConnection(nil, "", logger.NewNop()); err == nil {
		t.Fatal("expected error for empty command")
	}
}
