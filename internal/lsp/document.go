package lsp

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dshills/lsphub/internal/logging"
)

// opKind identifies a queued document operation.
type opKind int

const (
	opOpen opKind = iota
	opChange
	opClose
	opSave
)

// pendingOp is a document operation shaped for one server but not yet
// deliverable because the server is not ready.
type pendingOp struct {
	kind    opKind
	version int
	text    string
	changes []TextDocumentContentChangeEvent
}

// serverDocState tracks one document on one server instance.
type serverDocState struct {
	// open means the server has been told about the document and the
	// announcement has not been invalidated by a crash.
	open bool

	// lastVersion is the most recent version sent to this server.
	// Versions sent to a server are strictly increasing.
	lastVersion int

	// queue holds operations for a server that is still starting, in
	// arrival order.
	queue []pendingOp
}

// documentState is the authoritative record of one open document.
type documentState struct {
	uri        DocumentURI
	languageID string
	version    int
	text       string

	// servers maps instance id to per-server delivery state.
	servers map[string]*serverDocState
}

// DocumentSync keeps every open document mirrored on every server that
// serves its language. The editor's version numbers are authoritative:
// each change must carry a version greater than the current one, and the
// versions delivered to any single server strictly increase.
//
// Servers that are still starting get operations queued in order and
// flushed when they become ready. Crashed servers get a full re-open with
// the current text after recovery; anything queued for them is discarded
// as subsumed.
type DocumentSync struct {
	mu   sync.Mutex
	docs map[DocumentURI]*documentState

	// servers returns the current instance set; wired by the manager.
	servers func() []*ServerInstance
}

// NewDocumentSync creates a document synchronizer. The provider returns
// the live server instances.
func NewDocumentSync(servers func() []*ServerInstance) *DocumentSync {
	return &DocumentSync{
		docs:    make(map[DocumentURI]*documentState),
		servers: servers,
	}
}

// Open registers a document and announces it to every matching server.
func (ds *DocumentSync) Open(uri DocumentURI, languageID string, version int, text string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if _, ok := ds.docs[uri]; ok {
		return fmt.Errorf("%s: %w", uri, ErrDocumentAlreadyOpen)
	}

	doc := &documentState{
		uri:        uri,
		languageID: languageID,
		version:    version,
		text:       text,
		servers:    make(map[string]*serverDocState),
	}
	ds.docs[uri] = doc

	for _, inst := range ds.matching(doc) {
		ds.deliverOpenLocked(doc, inst)
	}
	return nil
}

// Change applies a versioned edit and forwards it to every matching
// server, shaped for each server's negotiated sync mode. A nil Range in a
// change means full-document replacement. The version must be greater
// than the document's current version.
func (ds *DocumentSync) Change(uri DocumentURI, version int, changes []TextDocumentContentChangeEvent) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	doc, ok := ds.docs[uri]
	if !ok {
		return fmt.Errorf("%s: %w", uri, ErrDocumentNotOpen)
	}
	if version <= doc.version {
		return fmt.Errorf("%s: version %d after %d: %w", uri, version, doc.version, ErrVersionRegression)
	}

	oldText := doc.text
	for _, c := range changes {
		if c.Range == nil {
			doc.text = c.Text
		} else {
			doc.text = applyTextChange(doc.text, *c.Range, c.Text)
		}
	}
	doc.version = version

	incremental := len(changes) > 0 && changes[0].Range != nil

	for _, inst := range ds.matching(doc) {
		sds := ds.serverStateLocked(doc, inst)

		var payload []TextDocumentContentChangeEvent
		switch inst.Capabilities().Sync {
		case SyncNone:
			continue
		case SyncIncremental:
			if incremental {
				payload = changes
			} else {
				payload = ComputeChanges(oldText, doc.text)
			}
			if len(payload) == 0 {
				continue
			}
		default:
			payload = []TextDocumentContentChangeEvent{{Text: doc.text}}
		}

		switch inst.State() {
		case StateReady, StateDegraded:
			if !sds.open {
				ds.deliverOpenLocked(doc, inst)
				continue
			}
			if err := inst.DidChange(uri, version, payload); err != nil {
				logging.Warn("didChange failed", "server", inst.Name(), "uri", string(uri), "error", err)
				continue
			}
			sds.lastVersion = version

		case StateStarting, StateInitializing, StateRestarting, StateUnstarted:
			sds.queue = append(sds.queue, pendingOp{kind: opChange, version: version, changes: payload})

		case StateCrashed:
			// Dropped: recovery re-opens with the then-current full text.
		}
	}
	return nil
}

// Close removes a document and announces the close to every server that
// had it open.
func (ds *DocumentSync) Close(uri DocumentURI) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	doc, ok := ds.docs[uri]
	if !ok {
		return fmt.Errorf("%s: %w", uri, ErrDocumentNotOpen)
	}
	delete(ds.docs, uri)

	for _, inst := range ds.matching(doc) {
		sds := doc.servers[inst.ID()]
		if sds == nil {
			continue
		}
		if sds.open && inst.State().Usable() {
			if err := inst.DidClose(uri); err != nil {
				logging.Warn("didClose failed", "server", inst.Name(), "uri", string(uri), "error", err)
			}
		} else if len(sds.queue) > 0 {
			sds.queue = append(sds.queue, pendingOp{kind: opClose})
		}
	}
	return nil
}

// Save announces a save to every matching server, including the text for
// servers that asked for it.
func (ds *DocumentSync) Save(uri DocumentURI) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	doc, ok := ds.docs[uri]
	if !ok {
		return fmt.Errorf("%s: %w", uri, ErrDocumentNotOpen)
	}

	for _, inst := range ds.matching(doc) {
		sds := ds.serverStateLocked(doc, inst)
		switch {
		case sds.open && inst.State().Usable():
			if err := inst.DidSave(uri, doc.text); err != nil {
				logging.Warn("didSave failed", "server", inst.Name(), "uri", string(uri), "error", err)
			}
		case len(sds.queue) > 0:
			sds.queue = append(sds.queue, pendingOp{kind: opSave, text: doc.text})
		}
	}
	return nil
}

// Text returns the authoritative text and version of an open document.
func (ds *DocumentSync) Text(uri DocumentURI) (string, int, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	doc, ok := ds.docs[uri]
	if !ok {
		return "", 0, fmt.Errorf("%s: %w", uri, ErrDocumentNotOpen)
	}
	return doc.text, doc.version, nil
}

// IsOpen reports whether a document is tracked.
func (ds *DocumentSync) IsOpen(uri DocumentURI) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	_, ok := ds.docs[uri]
	return ok
}

// OpenDocuments lists all tracked document URIs.
func (ds *DocumentSync) OpenDocuments() []DocumentURI {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	uris := make([]DocumentURI, 0, len(ds.docs))
	for uri := range ds.docs {
		uris = append(uris, uri)
	}
	return uris
}

// LanguageOf returns the language id of an open document.
func (ds *DocumentSync) LanguageOf(uri DocumentURI) (string, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	doc, ok := ds.docs[uri]
	if !ok {
		return "", false
	}
	return doc.languageID, true
}

// FlushServer delivers queued operations to a server that just became
// ready. Called from the manager's state handler.
func (ds *DocumentSync) FlushServer(inst *ServerInstance) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for _, doc := range ds.docs {
		if !inst.Config().ServesLanguage(doc.languageID) {
			continue
		}
		sds := ds.serverStateLocked(doc, inst)

		if !sds.open {
			ds.deliverOpenLocked(doc, inst)
			continue
		}

		queue := sds.queue
		sds.queue = nil
		for _, op := range queue {
			switch op.kind {
			case opChange:
				if err := inst.DidChange(doc.uri, op.version, op.changes); err != nil {
					logging.Warn("queued didChange failed", "server", inst.Name(), "uri", string(doc.uri), "error", err)
					break
				}
				sds.lastVersion = op.version
			case opClose:
				_ = inst.DidClose(doc.uri)
				sds.open = false
			case opSave:
				_ = inst.DidSave(doc.uri, op.text)
			}
		}
	}
}

// InvalidateServer forgets deliveries to a server whose process died.
// The fresh process knows nothing, so any operation reaching it before
// the recovery resync must take the didOpen path.
func (ds *DocumentSync) InvalidateServer(instanceID string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for _, doc := range ds.docs {
		if sds := doc.servers[instanceID]; sds != nil {
			sds.open = false
			sds.queue = nil
		}
	}
}

// ResyncServer re-announces every matching document to a recovered
// server. The fresh process has no document state, so each document gets
// a full didOpen with the current text; queues are discarded as subsumed.
func (ds *DocumentSync) ResyncServer(inst *ServerInstance) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for _, doc := range ds.docs {
		if !inst.Config().ServesLanguage(doc.languageID) {
			continue
		}
		sds := ds.serverStateLocked(doc, inst)
		sds.open = false
		sds.queue = nil
		ds.deliverOpenLocked(doc, inst)
	}
}

// DropServer forgets delivery state for a server that stopped for good.
func (ds *DocumentSync) DropServer(instanceID string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for _, doc := range ds.docs {
		delete(doc.servers, instanceID)
	}
}

// matching returns the instances serving the document's language.
func (ds *DocumentSync) matching(doc *documentState) []*ServerInstance {
	var out []*ServerInstance
	for _, inst := range ds.servers() {
		if inst.Config().ServesLanguage(doc.languageID) {
			out = append(out, inst)
		}
	}
	return out
}

// serverStateLocked returns (creating if needed) the per-server state.
func (ds *DocumentSync) serverStateLocked(doc *documentState, inst *ServerInstance) *serverDocState {
	sds := doc.servers[inst.ID()]
	if sds == nil {
		sds = &serverDocState{}
		doc.servers[inst.ID()] = sds
	}
	return sds
}

// deliverOpenLocked sends didOpen with the current full text when the
// server is usable; otherwise it marks the document for delivery on
// readiness.
func (ds *DocumentSync) deliverOpenLocked(doc *documentState, inst *ServerInstance) {
	sds := ds.serverStateLocked(doc, inst)

	if !inst.State().Usable() {
		// FlushServer opens with the then-current text, so no payload is
		// recorded here.
		return
	}

	if err := inst.DidOpen(doc.uri, doc.languageID, doc.version, doc.text); err != nil {
		logging.Warn("didOpen failed", "server", inst.Name(), "uri", string(doc.uri), "error", err)
		return
	}
	sds.open = true
	sds.lastVersion = doc.version
	// The open carried the current text; anything queued is subsumed.
	sds.queue = nil
}

// ApplyTextEdit applies a single formatting edit to text.
func ApplyTextEdit(text string, edit TextEdit) string {
	return applyTextChange(text, edit.Range, edit.NewText)
}

// applyTextChange splices newText over rng within content. Character
// offsets are UTF-16 code units, per the wire protocol; out-of-bounds
// positions are clamped to the nearest valid offset.
func applyTextChange(content string, rng Range, newText string) string {
	lines := splitLines(content)

	startLine := rng.Start.Line
	endLine := rng.End.Line

	if startLine < 0 {
		startLine = 0
	}
	if startLine >= len(lines) {
		return content + newText
	}

	startByte := utf16ToByteOffset(lines[startLine], rng.Start.Character)

	var endByte int
	if endLine >= len(lines) {
		endLine = len(lines) - 1
		endByte = len(lines[endLine])
	} else {
		endByte = utf16ToByteOffset(lines[endLine], rng.End.Character)
	}

	var b strings.Builder
	for i := 0; i < startLine; i++ {
		b.WriteString(lines[i])
		b.WriteByte('\n')
	}
	b.WriteString(lines[startLine][:startByte])
	b.WriteString(newText)
	b.WriteString(lines[endLine][endByte:])
	for i := endLine + 1; i < len(lines); i++ {
		b.WriteByte('\n')
		b.WriteString(lines[i])
	}
	return b.String()
}

// utf16ToByteOffset converts a UTF-16 code-unit offset within a line to
// the byte offset of the corresponding rune boundary, clamping offsets
// past the end of the line.
func utf16ToByteOffset(line string, units int) int {
	if units <= 0 {
		return 0
	}
	n := 0
	for i, r := range line {
		if n >= units {
			return i
		}
		if r > 0xFFFF {
			n += 2
		} else {
			n++
		}
	}
	return len(line)
}

// splitLines splits on '\n', keeping a trailing empty line when the
// content ends with a newline.
func splitLines(content string) []string {
	return strings.Split(content, "\n")
}
