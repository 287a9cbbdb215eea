package lsp

import (
	"encoding/json"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

// DocumentURI identifies a text document, usually with a file:// scheme.
type DocumentURI string

// Position is a zero-based line/character offset within a document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open [start, end) span within a document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location is a range within a specific document.
type Location struct {
	URI   DocumentURI `json:"uri"`
	Range Range       `json:"range"`
}

// TextDocumentIdentifier names a document.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// VersionedTextDocumentIdentifier names a specific version of a document.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"`
}

// TextDocumentItem is a document transferred to the server on open.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int         `json:"version"`
	Text       string      `json:"text"`
}

// TextDocumentPositionParams is the common payload of positional requests.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// TextEdit replaces a range with new text.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// TextDocumentContentChangeEvent describes a single document change.
// A nil Range means full-document replacement.
type TextDocumentContentChangeEvent struct {
	Range *Range `json:"range,omitempty"`
	Text  string `json:"text"`
}

// MarkupContent is a string with a declared format.
type MarkupContent struct {
	Kind  MarkupKind `json:"kind"`
	Value string     `json:"value"`
}

// MarkupKind identifies the format of a MarkupContent value.
type MarkupKind string

const (
	MarkupKindPlainText MarkupKind = "plaintext"
	MarkupKindMarkdown  MarkupKind = "markdown"
)

// WorkspaceFolder is a root directory the servers operate in.
type WorkspaceFolder struct {
	URI  DocumentURI `json:"uri"`
	Name string      `json:"name"`
}

// --- Initialization ---

// InitializeParams is sent as the first request to a server.
type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	RootURI               DocumentURI        `json:"rootUri,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerInfo carries the server's self-reported name and version.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializedParams is the (empty) payload of the initialized notification.
type InitializedParams struct{}

// ClientCapabilities advertises what this client understands.
// Only the features the manager actually consumes are declared.
type ClientCapabilities struct {
	TextDocument *TextDocumentClientCapabilities `json:"textDocument,omitempty"`
	Workspace    *WorkspaceClientCapabilities    `json:"workspace,omitempty"`
}

// TextDocumentClientCapabilities covers per-document features.
type TextDocumentClientCapabilities struct {
	Synchronization    *SyncClientCapabilities        `json:"synchronization,omitempty"`
	Hover              *HoverClientCapabilities       `json:"hover,omitempty"`
	Completion         *CompletionClientCapabilities  `json:"completion,omitempty"`
	PublishDiagnostics *DiagnosticsClientCapabilities `json:"publishDiagnostics,omitempty"`
}

// SyncClientCapabilities covers document synchronization.
type SyncClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
	DidSave             bool `json:"didSave,omitempty"`
}

// HoverClientCapabilities covers hover requests.
type HoverClientCapabilities struct {
	ContentFormat []MarkupKind `json:"contentFormat,omitempty"`
}

// CompletionClientCapabilities covers completion requests.
type CompletionClientCapabilities struct {
	ContextSupport bool `json:"contextSupport,omitempty"`
}

// DiagnosticsClientCapabilities covers publishDiagnostics notifications.
type DiagnosticsClientCapabilities struct {
	VersionSupport bool `json:"versionSupport,omitempty"`
}

// WorkspaceClientCapabilities covers workspace-level features.
type WorkspaceClientCapabilities struct {
	WorkspaceFolders      bool                            `json:"workspaceFolders,omitempty"`
	DidChangeWatchedFiles *WatchedFilesClientCapabilities `json:"didChangeWatchedFiles,omitempty"`
}

// WatchedFilesClientCapabilities covers file watch notifications.
type WatchedFilesClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// DefaultClientCapabilities returns the capabilities this client advertises.
func DefaultClientCapabilities() ClientCapabilities {
	return ClientCapabilities{
		TextDocument: &TextDocumentClientCapabilities{
			Synchronization: &SyncClientCapabilities{DidSave: true},
			Hover: &HoverClientCapabilities{
				ContentFormat: []MarkupKind{MarkupKindMarkdown, MarkupKindPlainText},
			},
			Completion:         &CompletionClientCapabilities{ContextSupport: true},
			PublishDiagnostics: &DiagnosticsClientCapabilities{VersionSupport: true},
		},
		Workspace: &WorkspaceClientCapabilities{
			WorkspaceFolders:      true,
			DidChangeWatchedFiles: &WatchedFilesClientCapabilities{},
		},
	}
}

// ServerCapabilities is the raw capability payload from initialize.
// Several fields are unions in the protocol (bool or options object),
// so they are decoded as any and interpreted by ParseCapabilities.
type ServerCapabilities struct {
	TextDocumentSync           any                `json:"textDocumentSync,omitempty"`
	HoverProvider              any                `json:"hoverProvider,omitempty"`
	CompletionProvider         *CompletionOptions `json:"completionProvider,omitempty"`
	DefinitionProvider         any                `json:"definitionProvider,omitempty"`
	ReferencesProvider         any                `json:"referencesProvider,omitempty"`
	DocumentFormattingProvider any                `json:"documentFormattingProvider,omitempty"`
}

// CompletionOptions describes a server's completion behavior.
type CompletionOptions struct {
	TriggerCharacters []string `json:"triggerCharacters,omitempty"`
	ResolveProvider   bool     `json:"resolveProvider,omitempty"`
}

// TextDocumentSyncOptions is the object form of textDocumentSync.
type TextDocumentSyncOptions struct {
	OpenClose bool `json:"openClose,omitempty"`
	Change    int  `json:"change,omitempty"`
	Save      any  `json:"save,omitempty"`
}

// SaveOptions is the object form of textDocumentSync.save.
type SaveOptions struct {
	IncludeText bool `json:"includeText,omitempty"`
}

// --- Document lifecycle notifications ---

// DidOpenTextDocumentParams is sent on textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidChangeTextDocumentParams is sent on textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// DidCloseTextDocumentParams is sent on textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DidSaveTextDocumentParams is sent on textDocument/didSave.
type DidSaveTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Text         string                 `json:"text,omitempty"`
}

// --- Watched files ---

// FileChangeType identifies the kind of a watched-file event.
type FileChangeType int

const (
	FileCreated FileChangeType = 1
	FileChanged FileChangeType = 2
	FileDeleted FileChangeType = 3
)

// FileEvent is one watched-file change.
type FileEvent struct {
	URI  DocumentURI    `json:"uri"`
	Type FileChangeType `json:"type"`
}

// DidChangeWatchedFilesParams is sent on workspace/didChangeWatchedFiles.
type DidChangeWatchedFilesParams struct {
	Changes []FileEvent `json:"changes"`
}

// --- Diagnostics ---

// PublishDiagnosticsParams is received on textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         DocumentURI  `json:"uri"`
	Version     int          `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Diagnostic is a single reported problem.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     any                `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// DiagnosticSeverity orders diagnostics from error (1) to hint (4).
type DiagnosticSeverity int

const (
	SeverityError       DiagnosticSeverity = 1
	SeverityWarning     DiagnosticSeverity = 2
	SeverityInformation DiagnosticSeverity = 3
	SeverityHint        DiagnosticSeverity = 4
)

// String returns a short severity name.
func (s DiagnosticSeverity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "info"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}

// --- Feature requests ---

// HoverParams is the payload of textDocument/hover.
type HoverParams struct {
	TextDocumentPositionParams
}

// Hover is the result of a hover request.
type Hover struct {
	Contents MarkupContent `json:"contents"`
	Range    *Range        `json:"range,omitempty"`
}

// CompletionParams is the payload of textDocument/completion.
type CompletionParams struct {
	TextDocumentPositionParams
	Context *CompletionContext `json:"context,omitempty"`
}

// CompletionContext describes how completion was triggered.
type CompletionContext struct {
	TriggerKind      CompletionTriggerKind `json:"triggerKind"`
	TriggerCharacter string                `json:"triggerCharacter,omitempty"`
}

// CompletionTriggerKind identifies the completion trigger.
type CompletionTriggerKind int

const (
	CompletionTriggerInvoked          CompletionTriggerKind = 1
	CompletionTriggerCharacter        CompletionTriggerKind = 2
	CompletionTriggerIncompleteResult CompletionTriggerKind = 3
)

// CompletionList is the result of a completion request.
type CompletionList struct {
	IsIncomplete bool             `json:"isIncomplete"`
	Items        []CompletionItem `json:"items"`
}

// CompletionItem is one completion candidate.
type CompletionItem struct {
	Label         string    `json:"label"`
	Kind          int       `json:"kind,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	Documentation any       `json:"documentation,omitempty"`
	SortText      string    `json:"sortText,omitempty"`
	FilterText    string    `json:"filterText,omitempty"`
	InsertText    string    `json:"insertText,omitempty"`
	TextEdit      *TextEdit `json:"textEdit,omitempty"`
}

// DocumentFormattingParams is the payload of textDocument/formatting.
type DocumentFormattingParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Options      FormattingOptions      `json:"options"`
}

// FormattingOptions carries editor formatting preferences.
type FormattingOptions struct {
	TabSize                int  `json:"tabSize"`
	InsertSpaces           bool `json:"insertSpaces"`
	TrimTrailingWhitespace bool `json:"trimTrailingWhitespace,omitempty"`
	InsertFinalNewline     bool `json:"insertFinalNewline,omitempty"`
}

// ReferenceParams is the payload of textDocument/references.
type ReferenceParams struct {
	TextDocumentPositionParams
	Context ReferenceContext `json:"context"`
}

// ReferenceContext controls reference collection.
type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// --- Result parsing helpers ---

// ParseCompletionResult handles both result shapes of textDocument/completion:
// a bare item array or a CompletionList.
func ParseCompletionResult(data json.RawMessage) (*CompletionList, error) {
	if len(data) == 0 || string(data) == "null" {
		return &CompletionList{}, nil
	}

	if data[0] == '[' {
		var items []CompletionItem
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, err
		}
		return &CompletionList{Items: items}, nil
	}

	var list CompletionList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// ParseLocationResult handles the result shapes of definition-like requests:
// null, a single Location, or a Location array.
func ParseLocationResult(data json.RawMessage) ([]Location, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	if data[0] == '[' {
		var locs []Location
		if err := json.Unmarshal(data, &locs); err != nil {
			return nil, err
		}
		return locs, nil
	}

	var loc Location
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, err
	}
	return []Location{loc}, nil
}

// --- URI helpers ---

// FilePathToURI converts a filesystem path to a file:// URI.
func FilePathToURI(path string) DocumentURI {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.ToSlash(abs)

	if runtime.GOOS == "windows" {
		// Drive letters need a leading slash: file:///C:/...
		if len(abs) >= 2 && abs[1] == ':' && unicode.IsLetter(rune(abs[0])) {
			abs = "/" + abs
		}
	}

	u := url.URL{Scheme: "file", Path: abs}
	return DocumentURI(u.String())
}

// URIToFilePath converts a file:// URI back to a filesystem path.
func URIToFilePath(uri DocumentURI) string {
	s := string(uri)
	if !strings.HasPrefix(s, "file://") {
		return s
	}

	u, err := url.Parse(s)
	if err != nil {
		return strings.TrimPrefix(s, "file://")
	}

	path := u.Path
	if runtime.GOOS == "windows" {
		path = strings.TrimPrefix(path, "/")
	}
	return filepath.FromSlash(path)
}
