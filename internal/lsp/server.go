package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/lsphub/internal/logging"
)

// ServerState is the lifecycle state of a server instance.
type ServerState int32

const (
	StateUnstarted ServerState = iota
	StateStarting
	StateInitializing
	StateReady
	StateDegraded
	StateCrashed
	StateRestarting
	StateStopped
)

// String returns a human-readable state name.
func (s ServerState) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Usable reports whether the instance can accept requests.
func (s ServerState) Usable() bool {
	return s == StateReady || s == StateDegraded
}

// Role is the configured purpose of a server instance.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleAnalyzer  Role = "analyzer"
	RoleFormatter Role = "formatter"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RolePrimary, RoleAnalyzer, RoleFormatter:
		return true
	}
	return false
}

// RestartPolicy bounds crash recovery for one server.
type RestartPolicy struct {
	// MaxRestarts is the number of restart attempts before the instance
	// moves to Stopped. Default: 5.
	MaxRestarts int

	// InitialBackoff is the delay before the first restart attempt.
	// Default: 1 second.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff. Default: 60 seconds.
	MaxBackoff time.Duration

	// Multiplier grows the backoff after each failed attempt. Default: 2.
	Multiplier float64

	// ResetWindow resets the restart count after the server has run
	// cleanly for this long. Default: 5 minutes.
	ResetWindow time.Duration
}

// DefaultRestartPolicy returns the default restart policy.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		ResetWindow:    5 * time.Minute,
	}
}

// ServerConfig is the immutable launch descriptor for one server.
type ServerConfig struct {
	// Name identifies the server in logs, events, and diagnostics.
	Name string

	// Command is the executable to run; Args are its arguments.
	Command string
	Args    []string

	// WorkDir is the working directory (defaults to the first workspace
	// folder).
	WorkDir string

	// Env are additional environment variables.
	Env map[string]string

	// Languages are the language ids this server is registered for.
	Languages []string

	// Role decides which logical operations route to this server.
	Role Role

	// RequestTimeout bounds each request round-trip. Default: 15s.
	RequestTimeout time.Duration

	// StartupTimeout bounds the initialize handshake. Default: 30s.
	StartupTimeout time.Duration

	// Restart bounds crash recovery.
	Restart RestartPolicy

	// DegradeThreshold is the number of consecutive timeouts before the
	// instance is marked Degraded. Default: 3.
	DegradeThreshold int

	// InitializationOptions are passed through in the initialize request.
	InitializationOptions any
}

// withDefaults fills zero values with defaults.
func (c ServerConfig) withDefaults() ServerConfig {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.DegradeThreshold == 0 {
		c.DegradeThreshold = 3
	}
	if c.Restart == (RestartPolicy{}) {
		c.Restart = DefaultRestartPolicy()
	}
	return c
}

// ServesLanguage reports whether the config lists the language id.
func (c ServerConfig) ServesLanguage(lang string) bool {
	for _, l := range c.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// process is a running server subprocess. Production uses os/exec; tests
// substitute an in-memory implementation via WithLauncher.
type process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Kill() error
}

// Launcher starts the subprocess for a server config.
type Launcher func(ctx context.Context, cfg ServerConfig) (process, error)

// execProcess wraps exec.Cmd as a process.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// execLauncher spawns the configured command with piped stdio.
func execLauncher(ctx context.Context, cfg ServerConfig) (process, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir

	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// StateHandler observes lifecycle transitions.
type StateHandler func(inst *ServerInstance, old, new ServerState)

// subscription is a notification registration replayed on every new
// connection (each restart gets a fresh dispatcher).
type subscription struct {
	method  string
	handler NotificationHandler
}

// ServerInstance is one external language server process: its lifecycle,
// connection, and negotiated capabilities. An instance survives process
// crashes; each (re)start spawns a new subprocess and dispatcher.
type ServerInstance struct {
	id     string
	config ServerConfig

	mu         sync.Mutex
	proc       process
	dispatcher *Dispatcher
	caps       CapabilitySet
	serverInfo *ServerInfo
	folders    []WorkspaceFolder
	runCancel  context.CancelFunc
	runDone    *sync.Once // guards crash handling for the current run

	state        atomic.Int32
	degradeCount atomic.Int32

	subs    []subscription
	onState StateHandler
	launch  Launcher

	exitCh chan error
}

// InstanceOption configures a ServerInstance.
type InstanceOption func(*ServerInstance)

// WithLauncher overrides how the subprocess is started. Tests use this to
// attach in-memory pipes instead of a real process.
func WithLauncher(l Launcher) InstanceOption {
	return func(s *ServerInstance) { s.launch = l }
}

// WithStateHandler registers a lifecycle transition observer.
func WithStateHandler(h StateHandler) InstanceOption {
	return func(s *ServerInstance) { s.onState = h }
}

// NewServerInstance creates an instance in StateUnstarted.
func NewServerInstance(cfg ServerConfig, opts ...InstanceOption) *ServerInstance {
	s := &ServerInstance{
		id:     uuid.NewString(),
		config: cfg.withDefaults(),
		launch: execLauncher,
		exitCh: make(chan error, 1),
	}
	s.state.Store(int32(StateUnstarted))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the instance's unique id.
func (s *ServerInstance) ID() string { return s.id }

// Name returns the configured server name.
func (s *ServerInstance) Name() string { return s.config.Name }

// Role returns the configured role.
func (s *ServerInstance) Role() Role { return s.config.Role }

// Config returns the immutable launch descriptor.
func (s *ServerInstance) Config() ServerConfig { return s.config }

// State returns the current lifecycle state.
func (s *ServerInstance) State() ServerState {
	return ServerState(s.state.Load())
}

// Capabilities returns the negotiated capability set. Zero until Ready.
func (s *ServerInstance) Capabilities() CapabilitySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Info returns the server's self-reported identity, if any.
func (s *ServerInstance) Info() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// DegradeCount returns the consecutive timeout count.
func (s *ServerInstance) DegradeCount() int {
	return int(s.degradeCount.Load())
}

// ExitEvents returns a channel receiving one error per process exit.
func (s *ServerInstance) ExitEvents() <-chan error { return s.exitCh }

// Subscribe registers a notification handler. Registrations persist
// across restarts.
func (s *ServerInstance) Subscribe(method string, handler NotificationHandler) {
	s.mu.Lock()
	s.subs = append(s.subs, subscription{method: method, handler: handler})
	d := s.dispatcher
	s.mu.Unlock()

	if d != nil {
		d.Subscribe(method, handler)
	}
}

// setState transitions the lifecycle state and fires the observer.
func (s *ServerInstance) setState(next ServerState) {
	old := ServerState(s.state.Swap(int32(next)))
	if old == next {
		return
	}
	logging.Debug("server state", "server", s.config.Name, "from", old.String(), "to", next.String())
	if s.onState != nil {
		s.onState(s, old, next)
	}
}

// MarkRestarting is called by the supervisor when a restart attempt is
// scheduled.
func (s *ServerInstance) MarkRestarting() {
	if s.State() == StateCrashed {
		s.setState(StateRestarting)
	}
}

// Start spawns the subprocess, attaches the connection, and performs the
// initialization handshake. Valid from Unstarted, Crashed, or Restarting.
func (s *ServerInstance) Start(ctx context.Context, folders []WorkspaceFolder) error {
	s.mu.Lock()

	switch s.State() {
	case StateUnstarted, StateCrashed, StateRestarting:
	case StateStopped:
		s.mu.Unlock()
		return ErrShutdown
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	s.folders = folders
	s.setState(StateStarting)

	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	proc, err := s.launch(runCtx, s.config)
	if err != nil {
		s.setState(StateCrashed)
		s.mu.Unlock()
		cancel()
		// A refused spawn is a crash like any other: the supervisor
		// watches exit events, and without one the restart policy would
		// never run.
		select {
		case s.exitCh <- err:
		default:
		}
		return err
	}

	d := NewDispatcher(NewFramer(proc.Stdout(), proc.Stdin()))
	for _, sub := range s.subs {
		d.Subscribe(sub.method, sub.handler)
	}

	s.proc = proc
	s.dispatcher = d
	once := &sync.Once{}
	s.runDone = once
	s.mu.Unlock()

	go s.readLoop(runCtx, d, proc, once)
	go s.drainStderr(proc.Stderr())
	go s.monitor(proc, once)

	s.setState(StateInitializing)
	if err := s.initialize(runCtx, d, folders); err != nil {
		logging.Warn("server initialize failed", "server", s.config.Name, "error", err)
		s.failRun(once, proc, d, err)
		return fmt.Errorf("initialize %s: %w", s.config.Name, err)
	}

	s.degradeCount.Store(0)
	s.setState(StateReady)
	logging.Info("server ready", "server", s.config.Name, "role", string(s.config.Role))
	return nil
}

// initialize performs the handshake and records capabilities.
func (s *ServerInstance) initialize(ctx context.Context, d *Dispatcher, folders []WorkspaceFolder) error {
	var rootURI DocumentURI
	if len(folders) > 0 {
		rootURI = folders[0].URI
	}

	params := InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               rootURI,
		Capabilities:          DefaultClientCapabilities(),
		InitializationOptions: s.config.InitializationOptions,
		WorkspaceFolders:      folders,
	}

	ictx, cancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer cancel()

	var result InitializeResult
	if err := d.Call(ictx, "initialize", params, &result); err != nil {
		return err
	}

	s.mu.Lock()
	s.caps = ParseCapabilities(result.Capabilities)
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()

	return d.Notify("initialized", InitializedParams{})
}

// readLoop runs the dispatcher until the connection dies. A framing error
// with a live process is a connection failure: kill the process so the
// monitor path handles it as a crash.
func (s *ServerInstance) readLoop(ctx context.Context, d *Dispatcher, proc process, once *sync.Once) {
	err := d.Run(ctx)

	var fe *FramingError
	if errors.As(err, &fe) {
		logging.Warn("connection framing failure", "server", s.config.Name, "error", err)
		_ = proc.Kill()
	}
	_ = once // crash accounting happens in monitor via Wait
}

// monitor waits for process exit and marks the crash.
func (s *ServerInstance) monitor(proc process, once *sync.Once) {
	werr := proc.Wait()

	once.Do(func() {
		if s.State() == StateStopped {
			return
		}

		s.mu.Lock()
		d := s.dispatcher
		s.mu.Unlock()

		if d != nil {
			d.FailAll(ErrProcessExit)
			d.Close()
		}
		s.setState(StateCrashed)
		logging.Warn("server process exited", "server", s.config.Name, "error", werr)

		select {
		case s.exitCh <- werr:
		default:
		}
	})
}

// failRun tears down a run whose handshake failed.
func (s *ServerInstance) failRun(once *sync.Once, proc process, d *Dispatcher, cause error) {
	once.Do(func() {
		d.FailAll(fmt.Errorf("%w: %v", ErrProcessExit, cause))
		d.Close()
		_ = proc.Kill()
		s.setState(StateCrashed)

		select {
		case s.exitCh <- cause:
		default:
		}
	})
}

// drainStderr logs the server's stderr output line by line.
func (s *ServerInstance) drainStderr(r io.Reader) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logging.Debug("server stderr", "server", s.config.Name, "line", scanner.Text())
	}
}

// Shutdown moves the instance to Stopped from any state. It attempts the
// graceful shutdown handshake with a bounded timeout before killing the
// process, and fails all pending requests before returning.
func (s *ServerInstance) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.State() == StateStopped {
		s.mu.Unlock()
		return nil
	}

	wasLive := s.State().Usable() || s.State() == StateInitializing
	d := s.dispatcher
	proc := s.proc
	cancel := s.runCancel
	s.setState(StateStopped)
	s.mu.Unlock()

	if d != nil && wasLive && !d.IsClosed() {
		gctx, gcancel := context.WithTimeout(ctx, 5*time.Second)
		_ = d.Call(gctx, "shutdown", nil, nil)
		_ = d.Notify("exit", nil)
		gcancel()
	}

	if cancel != nil {
		cancel()
	}
	if d != nil {
		d.Close() // synchronously fails anything still pending
	}
	if proc != nil {
		_ = proc.Kill()
	}

	logging.Info("server stopped", "server", s.config.Name)
	return nil
}

// currentDispatcher returns the live dispatcher or nil.
func (s *ServerInstance) currentDispatcher() *Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher
}

// call issues one capability-unchecked request with the configured
// timeout, feeding timeout/success signals into degradation tracking.
func (s *ServerInstance) call(ctx context.Context, method string, params, result any) error {
	if !s.State().Usable() {
		return fmt.Errorf("%s: %w", s.config.Name, ErrServerNotReady)
	}
	d := s.currentDispatcher()
	if d == nil {
		return fmt.Errorf("%s: %w", s.config.Name, ErrServerNotReady)
	}

	cctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	err := d.Call(cctx, method, params, result)
	switch {
	case errors.Is(err, ErrTimeout):
		s.noteTimeout()
	case err == nil:
		s.noteSuccess()
	}
	return err
}

// notify sends a notification if the instance is usable.
func (s *ServerInstance) notify(method string, params any) error {
	if !s.State().Usable() {
		return fmt.Errorf("%s: %w", s.config.Name, ErrServerNotReady)
	}
	d := s.currentDispatcher()
	if d == nil {
		return fmt.Errorf("%s: %w", s.config.Name, ErrServerNotReady)
	}
	return d.Notify(method, params)
}

// noteTimeout counts a timeout toward degradation.
func (s *ServerInstance) noteTimeout() {
	n := s.degradeCount.Add(1)
	if int(n) >= s.config.DegradeThreshold && s.State() == StateReady {
		logging.Warn("server degraded", "server", s.config.Name, "timeouts", n)
		s.setState(StateDegraded)
	}
}

// noteSuccess resets degradation after a completed round-trip.
func (s *ServerInstance) noteSuccess() {
	s.degradeCount.Store(0)
	if s.State() == StateDegraded {
		s.setState(StateReady)
	}
}

// --- Document notifications ---

// DidOpen announces an open document with its full text.
func (s *ServerInstance) DidOpen(uri DocumentURI, languageID string, version int, text string) error {
	return s.notify("textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: languageID,
			Version:    version,
			Text:       text,
		},
	})
}

// DidChange sends a versioned set of content changes.
func (s *ServerInstance) DidChange(uri DocumentURI, version int, changes []TextDocumentContentChangeEvent) error {
	return s.notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                version,
		},
		ContentChanges: changes,
	})
}

// DidClose announces that a document was closed.
func (s *ServerInstance) DidClose(uri DocumentURI) error {
	return s.notify("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// DidSave announces a save, including text when the server asked for it.
func (s *ServerInstance) DidSave(uri DocumentURI, text string) error {
	params := DidSaveTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	}
	if s.Capabilities().SaveIncludesText {
		params.Text = text
	}
	return s.notify("textDocument/didSave", params)
}

// DidChangeWatchedFiles forwards workspace file events.
func (s *ServerInstance) DidChangeWatchedFiles(events []FileEvent) error {
	return s.notify("workspace/didChangeWatchedFiles", DidChangeWatchedFilesParams{Changes: events})
}

// --- Feature requests ---

// Hover requests hover information at a position.
func (s *ServerInstance) Hover(ctx context.Context, uri DocumentURI, pos Position) (*Hover, error) {
	if err := requireFeature(s.Capabilities(), FeatureHover); err != nil {
		return nil, err
	}

	params := HoverParams{TextDocumentPositionParams: TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}}

	var result *Hover
	if err := s.call(ctx, "textDocument/hover", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Completion requests completion items at a position.
func (s *ServerInstance) Completion(ctx context.Context, uri DocumentURI, pos Position) (*CompletionList, error) {
	if err := requireFeature(s.Capabilities(), FeatureCompletion); err != nil {
		return nil, err
	}

	params := CompletionParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
		Context: &CompletionContext{TriggerKind: CompletionTriggerInvoked},
	}

	var raw json.RawMessage
	if err := s.call(ctx, "textDocument/completion", params, &raw); err != nil {
		return nil, err
	}
	return ParseCompletionResult(raw)
}

// Definition requests the definition locations of the symbol at a position.
func (s *ServerInstance) Definition(ctx context.Context, uri DocumentURI, pos Position) ([]Location, error) {
	if err := requireFeature(s.Capabilities(), FeatureDefinition); err != nil {
		return nil, err
	}

	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}

	var raw json.RawMessage
	if err := s.call(ctx, "textDocument/definition", params, &raw); err != nil {
		return nil, err
	}
	return ParseLocationResult(raw)
}

// References requests all references to the symbol at a position.
func (s *ServerInstance) References(ctx context.Context, uri DocumentURI, pos Position, includeDecl bool) ([]Location, error) {
	if err := requireFeature(s.Capabilities(), FeatureReferences); err != nil {
		return nil, err
	}

	params := ReferenceParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
		Context: ReferenceContext{IncludeDeclaration: includeDecl},
	}

	var result []Location
	if err := s.call(ctx, "textDocument/references", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Formatting requests whole-document formatting edits.
func (s *ServerInstance) Formatting(ctx context.Context, uri DocumentURI, opts FormattingOptions) ([]TextEdit, error) {
	if err := requireFeature(s.Capabilities(), FeatureFormatting); err != nil {
		return nil, err
	}

	params := DocumentFormattingParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Options:      opts,
	}

	var result []TextEdit
	if err := s.call(ctx, "textDocument/formatting", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}
