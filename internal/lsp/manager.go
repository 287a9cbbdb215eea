package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/lsphub/internal/logging"
)

// ServerStatus is a point-in-time snapshot of one managed server.
type ServerStatus struct {
	ID           string
	Name         string
	Role         Role
	Languages    []string
	State        ServerState
	Restarts     int
	DegradeCount int
	Info         *ServerInfo
}

// ManagerStats summarizes the manager's current footprint.
type ManagerStats struct {
	Servers       int
	UsableServers int
	OpenDocuments int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDiagnosticsHandler registers the merged-diagnostics callback.
func WithDiagnosticsHandler(h DiagnosticsHandler) ManagerOption {
	return func(m *Manager) { m.diagHandler = h }
}

// WithServerStateHandler registers a lifecycle transition observer for
// every managed server.
func WithServerStateHandler(h StateHandler) ManagerOption {
	return func(m *Manager) { m.stateHandler = h }
}

// WithSelectionPolicy sets how multi-candidate operations pick a result.
func WithSelectionPolicy(p SelectionPolicy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithProcessLauncher overrides subprocess creation for every server.
// Tests use this to run scripted in-memory servers.
func WithProcessLauncher(l Launcher) ManagerOption {
	return func(m *Manager) { m.launcher = l }
}

// Manager owns a set of language server instances and presents them as
// one logical server: it supervises their processes, mirrors open
// documents to each, routes requests by role, and merges their
// diagnostics streams.
type Manager struct {
	mu      sync.Mutex
	configs []ServerConfig
	insts   []*ServerInstance
	sups    map[string]*Supervisor
	crashed map[string]bool
	folders []WorkspaceFolder
	started bool
	closed  bool

	docs     *DocumentSync
	router   *Router
	registry *CapabilityRegistry
	diags    *DiagnosticsAggregator

	policy       SelectionPolicy
	launcher     Launcher
	stateHandler StateHandler
	diagHandler  DiagnosticsHandler
}

// NewManager validates the server configs and builds a manager. Servers
// are not launched until Start.
func NewManager(configs []ServerConfig, opts ...ManagerOption) (*Manager, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("no servers configured")
	}

	seen := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("server with empty name")
		}
		if seen[cfg.Name] {
			return nil, fmt.Errorf("duplicate server name %q", cfg.Name)
		}
		seen[cfg.Name] = true
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %s: empty command", cfg.Name)
		}
		if !cfg.Role.Valid() {
			return nil, fmt.Errorf("server %s: unknown role %q", cfg.Name, cfg.Role)
		}
		if len(cfg.Languages) == 0 {
			return nil, fmt.Errorf("server %s: no languages", cfg.Name)
		}
	}

	m := &Manager{
		configs:  configs,
		sups:     make(map[string]*Supervisor),
		crashed:  make(map[string]bool),
		registry: NewCapabilityRegistry(),
		policy:   SelectFirstNonEmpty,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.docs = NewDocumentSync(m.instances)
	m.router = NewRouter(m.instances, m.policy)
	m.diags = NewDiagnosticsAggregator(m.mergePriority)
	if m.diagHandler != nil {
		m.diags.OnChange(m.diagHandler)
	}

	for _, cfg := range configs {
		instOpts := []InstanceOption{WithStateHandler(m.onStateChange)}
		if m.launcher != nil {
			instOpts = append(instOpts, WithLauncher(m.launcher))
		}
		inst := NewServerInstance(cfg, instOpts...)
		m.subscribeNotifications(inst)
		m.insts = append(m.insts, inst)
		m.sups[inst.ID()] = NewSupervisor(inst, m.docs.ResyncServer)
	}

	return m, nil
}

// instances returns the instance set in configuration order.
func (m *Manager) instances() []*ServerInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ServerInstance, len(m.insts))
	copy(out, m.insts)
	return out
}

// subscribeNotifications wires an instance's notification stream into the
// aggregator and logger.
func (m *Manager) subscribeNotifications(inst *ServerInstance) {
	id := inst.ID()
	name := inst.Name()

	inst.Subscribe("textDocument/publishDiagnostics", func(_ string, params json.RawMessage) {
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			logging.Warn("bad publishDiagnostics payload", "server", name, "error", err)
			return
		}
		for i := range p.Diagnostics {
			if p.Diagnostics[i].Source == "" {
				p.Diagnostics[i].Source = name
			}
		}
		m.diags.Publish(id, p.URI, p.Diagnostics)
	})

	inst.Subscribe("window/logMessage", func(_ string, params json.RawMessage) {
		logging.Debug("server log", "server", name, "payload", string(params))
	})

	inst.Subscribe("*", func(method string, _ json.RawMessage) {
		logging.Debug("unhandled notification", "server", name, "method", method)
	})
}

// onStateChange reacts to lifecycle transitions: capability registration
// and queued-document flushing on readiness, cleanup on stop.
func (m *Manager) onStateChange(inst *ServerInstance, old, next ServerState) {
	switch next {
	case StateReady:
		m.registry.Register(inst.ID(), inst.Capabilities())

		m.mu.Lock()
		recovering := m.crashed[inst.ID()]
		m.crashed[inst.ID()] = false
		m.mu.Unlock()

		// A recovered process gets a full resync from the supervisor;
		// flushing here would race it with stale delivery state.
		if !recovering && old == StateInitializing {
			m.docs.FlushServer(inst)
		}

	case StateCrashed:
		m.mu.Lock()
		m.crashed[inst.ID()] = true
		m.mu.Unlock()
		// The process took its document state with it. Invalidate
		// deliveries so a change landing between the restart's readiness
		// and the recovery resync re-opens instead of sending didChange
		// to a process that never saw didOpen.
		m.docs.InvalidateServer(inst.ID())

	case StateStopped:
		m.registry.Unregister(inst.ID())
		m.diags.ClearServer(inst.ID())
		m.docs.DropServer(inst.ID())
	}

	if m.stateHandler != nil {
		m.stateHandler(inst, old, next)
	}
}

// mergePriority orders diagnostics contributors for a document: primary
// first, then analyzers in configuration order.
func (m *Manager) mergePriority(uri DocumentURI) []string {
	lang, ok := m.docs.LanguageOf(uri)
	if !ok {
		return nil
	}
	insts := m.router.AnalysisServers(lang)
	ids := make([]string, len(insts))
	for i, inst := range insts {
		ids[i] = inst.ID()
	}
	return ids
}

// Start launches every configured server eagerly and in parallel. Servers
// that fail to come up keep retrying under their supervisors; the
// returned error reports the launches that did not succeed on the first
// attempt.
func (m *Manager) Start(ctx context.Context, folders []WorkspaceFolder) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.folders = folders
	insts := m.insts
	m.mu.Unlock()

	var g errgroup.Group
	for _, inst := range insts {
		sup := m.sups[inst.ID()]
		g.Go(func() error {
			if err := sup.Start(ctx, folders); err != nil {
				return fmt.Errorf("start %s: %w", sup.Instance().Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops every server in parallel, failing their pending requests
// and clearing their diagnostics.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var g errgroup.Group
	for _, sup := range m.sups {
		sup := sup
		g.Go(func() error {
			return sup.Stop(ctx)
		})
	}
	err := g.Wait()
	logging.Info("manager shut down")
	return err
}

// --- Documents ---

// OpenDocument announces a document to every server serving its language.
func (m *Manager) OpenDocument(uri DocumentURI, languageID string, version int, text string) error {
	return m.docs.Open(uri, languageID, version, text)
}

// ChangeDocument applies a versioned edit. The version must exceed the
// document's current version.
func (m *Manager) ChangeDocument(uri DocumentURI, version int, changes []TextDocumentContentChangeEvent) error {
	return m.docs.Change(uri, version, changes)
}

// CloseDocument closes a document everywhere and clears its diagnostics.
func (m *Manager) CloseDocument(uri DocumentURI) error {
	if err := m.docs.Close(uri); err != nil {
		return err
	}
	m.diags.ClearURI(uri)
	return nil
}

// SaveDocument announces a save to every matching server.
func (m *Manager) SaveDocument(uri DocumentURI) error {
	return m.docs.Save(uri)
}

// DocumentText returns the authoritative text and version of a document.
func (m *Manager) DocumentText(uri DocumentURI) (string, int, error) {
	return m.docs.Text(uri)
}

// DidChangeWatchedFiles fans workspace file events out to every usable
// server.
func (m *Manager) DidChangeWatchedFiles(events []FileEvent) {
	if len(events) == 0 {
		return
	}
	for _, inst := range m.instances() {
		if !inst.State().Usable() {
			continue
		}
		if err := inst.DidChangeWatchedFiles(events); err != nil {
			logging.Warn("didChangeWatchedFiles failed", "server", inst.Name(), "error", err)
		}
	}
}

// --- Requests ---

// Hover consults the primary first, then the remaining servers in
// configuration order, returning the first non-empty result. Servers
// without the hover capability are skipped.
func (m *Manager) Hover(ctx context.Context, uri DocumentURI, pos Position) (*Hover, error) {
	chain, err := m.route(OpHover, uri)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, inst := range chain {
		h, err := inst.Hover(ctx, uri, pos)
		if err != nil {
			lastErr = &ServerError{Server: inst.Name(), Err: err}
			continue
		}
		if h != nil && h.Contents.Value != "" {
			return h, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// Completion asks the primary server for completions.
func (m *Manager) Completion(ctx context.Context, uri DocumentURI, pos Position) (*CompletionList, error) {
	chain, err := m.route(OpCompletion, uri)
	if err != nil {
		return nil, err
	}
	return chain[0].Completion(ctx, uri, pos)
}

// Definition asks the primary server for definition locations.
func (m *Manager) Definition(ctx context.Context, uri DocumentURI, pos Position) ([]Location, error) {
	chain, err := m.route(OpDefinition, uri)
	if err != nil {
		return nil, err
	}
	return chain[0].Definition(ctx, uri, pos)
}

// References asks the primary server for references.
func (m *Manager) References(ctx context.Context, uri DocumentURI, pos Position, includeDecl bool) ([]Location, error) {
	chain, err := m.route(OpReferences, uri)
	if err != nil {
		return nil, err
	}
	return chain[0].References(ctx, uri, pos, includeDecl)
}

// FormatDocument asks the formatter-role server, or the primary when no
// formatter is configured, for whole-document edits.
func (m *Manager) FormatDocument(ctx context.Context, uri DocumentURI, opts FormattingOptions) ([]TextEdit, error) {
	chain, err := m.route(OpFormatting, uri)
	if err != nil {
		return nil, err
	}
	return chain[0].Formatting(ctx, uri, opts)
}

// route resolves the candidate chain for an operation on a document.
func (m *Manager) route(op Operation, uri DocumentURI) ([]*ServerInstance, error) {
	lang, ok := m.docs.LanguageOf(uri)
	if !ok {
		return nil, fmt.Errorf("%s: %w", uri, ErrDocumentNotOpen)
	}
	return m.router.Route(op, lang)
}

// --- Diagnostics ---

// Diagnostics returns the merged diagnostics for a document.
func (m *Manager) Diagnostics(uri DocumentURI) []Diagnostic {
	return m.diags.Diagnostics(uri)
}

// DiagnosticsByServer returns per-server diagnostics for a document,
// keyed by instance id.
func (m *Manager) DiagnosticsByServer(uri DocumentURI) map[string][]Diagnostic {
	return m.diags.DiagnosticsByServer(uri)
}

// DiagnosedDocuments lists documents with recorded diagnostics.
func (m *Manager) DiagnosedDocuments() []DocumentURI {
	return m.diags.URIs()
}

// --- Introspection ---

// Servers returns a snapshot of every managed server.
func (m *Manager) Servers() []ServerStatus {
	insts := m.instances()
	out := make([]ServerStatus, 0, len(insts))
	for _, inst := range insts {
		cfg := inst.Config()
		out = append(out, ServerStatus{
			ID:           inst.ID(),
			Name:         cfg.Name,
			Role:         cfg.Role,
			Languages:    cfg.Languages,
			State:        inst.State(),
			Restarts:     m.sups[inst.ID()].RestartCount(),
			DegradeCount: inst.DegradeCount(),
			Info:         inst.Info(),
		})
	}
	return out
}

// ServerByName returns the instance with the given configured name.
func (m *Manager) ServerByName(name string) (*ServerInstance, bool) {
	for _, inst := range m.instances() {
		if inst.Name() == name {
			return inst, true
		}
	}
	return nil, false
}

// Stats returns current manager counters.
func (m *Manager) Stats() ManagerStats {
	insts := m.instances()
	usable := 0
	for _, inst := range insts {
		if inst.State().Usable() {
			usable++
		}
	}
	return ManagerStats{
		Servers:       len(insts),
		UsableServers: usable,
		OpenDocuments: len(m.docs.OpenDocuments()),
	}
}

// DetectLanguageID maps a file path to a language id by extension.
func DetectLanguageID(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py", ".pyi":
		return "python"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".mts", ".cts":
		return "typescript"
	case ".tsx":
		return "typescriptreact"
	case ".jsx":
		return "javascriptreact"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".cxx", ".hpp":
		return "cpp"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".sh", ".bash":
		return "shellscript"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".md":
		return "markdown"
	case ".html", ".htm":
		return "html"
	case ".css":
		return "css"
	default:
		return "plaintext"
	}
}
