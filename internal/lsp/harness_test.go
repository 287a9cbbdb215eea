package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// fakeProc implements process over in-memory pipes.
type fakeProc struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	waitCh   chan error
	exitOnce sync.Once
}

func newFakeProc() *fakeProc {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &fakeProc{
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		waitCh:  make(chan error, 1),
	}
}

func (p *fakeProc) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProc) Stderr() io.Reader     { return nil }
func (p *fakeProc) Wait() error           { return <-p.waitCh }

func (p *fakeProc) Kill() error {
	p.exit(errors.New("killed"))
	return nil
}

// exit ends the process exactly once with the given error.
func (p *fakeProc) exit(err error) {
	p.exitOnce.Do(func() {
		p.stdoutW.Close()
		p.stdinR.Close()
		p.waitCh <- err
	})
}

// recordedMsg is one client-to-server message seen by the fake.
type recordedMsg struct {
	Method string
	Params json.RawMessage
}

// fakeServer is a scripted language server speaking the framed protocol
// over a fakeProc. It answers initialize with the configured capabilities
// and records everything the client sends.
type fakeServer struct {
	t    *testing.T
	caps ServerCapabilities
	proc *fakeProc
	out  *Framer

	mu       sync.Mutex
	messages []recordedMsg
	results  map[string]any
	noReply  map[string]bool

	msgCh  chan recordedMsg
	exited atomic.Bool
}

func newFakeServer(t *testing.T, caps ServerCapabilities) *fakeServer {
	t.Helper()

	proc := newFakeProc()
	fs := &fakeServer{
		t:       t,
		caps:    caps,
		proc:    proc,
		out:     NewFramer(proc.stdinR, proc.stdoutW),
		results: make(map[string]any),
		noReply: make(map[string]bool),
		msgCh:   make(chan recordedMsg, 64),
	}
	go fs.loop()
	return fs
}

// stall makes the fake leave requests for a method unanswered.
func (fs *fakeServer) stall(method string) {
	fs.mu.Lock()
	fs.noReply[method] = true
	fs.mu.Unlock()
}

// unstall resumes answering a stalled method.
func (fs *fakeServer) unstall(method string) {
	fs.mu.Lock()
	delete(fs.noReply, method)
	fs.mu.Unlock()
}

// setResult scripts the response payload for a request method.
func (fs *fakeServer) setResult(method string, result any) {
	fs.mu.Lock()
	fs.results[method] = result
	fs.mu.Unlock()
}

// crash terminates the fake process abruptly.
func (fs *fakeServer) crash() {
	fs.exited.Store(true)
	fs.proc.exit(errors.New("process crashed"))
}

// publishDiagnostics pushes a publishDiagnostics notification.
func (fs *fakeServer) publishDiagnostics(uri DocumentURI, diags []Diagnostic) {
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "textDocument/publishDiagnostics",
		"params":  PublishDiagnosticsParams{URI: uri, Diagnostics: diags},
	})
	if err := fs.out.WriteMessage(body); err != nil && !fs.exited.Load() {
		fs.t.Logf("fake publish failed: %v", err)
	}
}

// loop serves the scripted protocol.
func (fs *fakeServer) loop() {
	for {
		msg, err := fs.out.ReadMessage()
		if err != nil {
			return
		}

		id := gjson.GetBytes(msg, "id")
		method := gjson.GetBytes(msg, "method").String()
		params := json.RawMessage(gjson.GetBytes(msg, "params").Raw)

		fs.mu.Lock()
		fs.messages = append(fs.messages, recordedMsg{Method: method, Params: params})
		fs.mu.Unlock()
		select {
		case fs.msgCh <- recordedMsg{Method: method, Params: params}:
		default:
		}

		if !id.Exists() {
			if method == "exit" {
				fs.exited.Store(true)
				fs.proc.exit(nil)
				return
			}
			continue
		}

		fs.mu.Lock()
		stalled := fs.noReply[method]
		scripted, hasScripted := fs.results[method]
		fs.mu.Unlock()
		if stalled {
			continue
		}

		var result any
		switch {
		case method == "initialize":
			result = InitializeResult{Capabilities: fs.caps}
		case hasScripted:
			result = scripted
		default:
			result = nil
		}

		body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id.Int(), "result": result})
		if err := fs.out.WriteMessage(body); err != nil {
			return
		}
	}
}

// recorded returns the methods seen so far.
func (fs *fakeServer) recorded() []recordedMsg {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]recordedMsg, len(fs.messages))
	copy(out, fs.messages)
	return out
}

// sawMethod reports whether a method has been received.
func (fs *fakeServer) sawMethod(method string) bool {
	for _, m := range fs.recorded() {
		if m.Method == method {
			return true
		}
	}
	return false
}

// awaitMethod waits for a message with the method, returning it.
func (fs *fakeServer) awaitMethod(method string, timeout time.Duration) (recordedMsg, bool) {
	deadline := time.After(timeout)
	for {
		for _, m := range fs.recorded() {
			if m.Method == method {
				return m, true
			}
		}
		select {
		case <-deadline:
			return recordedMsg{}, false
		case <-fs.msgCh:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// fakeFactory builds a fresh fake server per launch, for restart tests.
type fakeFactory struct {
	t    *testing.T
	caps ServerCapabilities

	mu       sync.Mutex
	servers  []*fakeServer
	failNext int
}

func newFakeFactory(t *testing.T, caps ServerCapabilities) *fakeFactory {
	return &fakeFactory{t: t, caps: caps}
}

func (f *fakeFactory) launcher(ctx context.Context, cfg ServerConfig) (process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("spawn refused")
	}

	fs := newFakeServer(f.t, f.caps)
	f.servers = append(f.servers, fs)
	return fs.proc, nil
}

// current returns the most recently launched fake.
func (f *fakeFactory) current() *fakeServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.servers) == 0 {
		return nil
	}
	return f.servers[len(f.servers)-1]
}

func (f *fakeFactory) launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.servers)
}

// fullCaps negotiates every feature with full-document sync.
func fullCaps() ServerCapabilities {
	return ServerCapabilities{
		TextDocumentSync:           float64(SyncFull),
		HoverProvider:              true,
		CompletionProvider:         &CompletionOptions{},
		DefinitionProvider:         true,
		ReferencesProvider:         true,
		DocumentFormattingProvider: true,
	}
}

// incrementalCaps negotiates incremental sync with hover only.
func incrementalCaps() ServerCapabilities {
	return ServerCapabilities{
		TextDocumentSync: map[string]any{
			"openClose": true,
			"change":    float64(SyncIncremental),
			"save":      map[string]any{"includeText": true},
		},
		HoverProvider: true,
	}
}

// waitForState polls until the instance reaches the state.
func waitForState(t *testing.T, inst *ServerInstance, want ServerState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inst.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", inst.State(), want)
}

// testServerConfig returns a fast-timing config for fakes.
func testServerConfig(name string, role Role, langs ...string) ServerConfig {
	if len(langs) == 0 {
		langs = []string{"go"}
	}
	return ServerConfig{
		Name:             name,
		Command:          "fake-" + name,
		Languages:        langs,
		Role:             role,
		RequestTimeout:   200 * time.Millisecond,
		StartupTimeout:   2 * time.Second,
		DegradeThreshold: 2,
		Restart: RestartPolicy{
			MaxRestarts:    3,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     50 * time.Millisecond,
			Multiplier:     2.0,
			ResetWindow:    time.Minute,
		},
	}
}
