package lsp

import (
	"sort"
	"sync"
)

// DiagnosticsHandler receives the merged diagnostics for a document each
// time any contributing server publishes.
type DiagnosticsHandler func(uri DocumentURI, diagnostics []Diagnostic)

// DiagnosticsAggregator combines the diagnostics streams of multiple
// servers into one view per document.
//
// Each publish replaces that server's previous snapshot for the document;
// an empty publish clears it. The merged view concatenates snapshots in
// merge priority order (primary first, then analyzers in configuration
// order) without deduplication: the same underlying problem reported by
// two servers appears twice, attributed to each via Diagnostic.Source.
type DiagnosticsAggregator struct {
	mu    sync.RWMutex
	byURI map[DocumentURI]map[string][]Diagnostic

	// priority returns instance ids in merge order for a document.
	priority func(uri DocumentURI) []string

	onChange DiagnosticsHandler
}

// NewDiagnosticsAggregator creates an aggregator. The priority function
// decides merge order; ids it omits merge last in id order.
func NewDiagnosticsAggregator(priority func(uri DocumentURI) []string) *DiagnosticsAggregator {
	return &DiagnosticsAggregator{
		byURI:    make(map[DocumentURI]map[string][]Diagnostic),
		priority: priority,
	}
}

// OnChange registers the merged-view handler. Set before servers start.
func (a *DiagnosticsAggregator) OnChange(h DiagnosticsHandler) {
	a.mu.Lock()
	a.onChange = h
	a.mu.Unlock()
}

// Publish records one server's diagnostics snapshot for a document,
// replacing whatever that server reported before.
func (a *DiagnosticsAggregator) Publish(instanceID string, uri DocumentURI, diagnostics []Diagnostic) {
	a.mu.Lock()
	perServer := a.byURI[uri]
	if perServer == nil {
		perServer = make(map[string][]Diagnostic)
		a.byURI[uri] = perServer
	}
	perServer[instanceID] = diagnostics
	merged := a.mergeLocked(uri)
	h := a.onChange
	a.mu.Unlock()

	if h != nil {
		h(uri, merged)
	}
}

// Diagnostics returns the merged view for a document.
func (a *DiagnosticsAggregator) Diagnostics(uri DocumentURI) []Diagnostic {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mergeLocked(uri)
}

// DiagnosticsByServer returns each server's current snapshot for a
// document, keyed by instance id.
func (a *DiagnosticsAggregator) DiagnosticsByServer(uri DocumentURI) map[string][]Diagnostic {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string][]Diagnostic, len(a.byURI[uri]))
	for id, diags := range a.byURI[uri] {
		cp := make([]Diagnostic, len(diags))
		copy(cp, diags)
		out[id] = cp
	}
	return out
}

// URIs lists every document with at least one recorded snapshot.
func (a *DiagnosticsAggregator) URIs() []DocumentURI {
	a.mu.RLock()
	defer a.mu.RUnlock()

	uris := make([]DocumentURI, 0, len(a.byURI))
	for uri := range a.byURI {
		uris = append(uris, uri)
	}
	sort.Slice(uris, func(i, j int) bool { return uris[i] < uris[j] })
	return uris
}

// ClearServer drops a stopped server's snapshots everywhere and
// re-publishes the merged views it contributed to.
func (a *DiagnosticsAggregator) ClearServer(instanceID string) {
	a.mu.Lock()
	var affected []DocumentURI
	for uri, perServer := range a.byURI {
		if _, ok := perServer[instanceID]; !ok {
			continue
		}
		delete(perServer, instanceID)
		if len(perServer) == 0 {
			delete(a.byURI, uri)
		}
		affected = append(affected, uri)
	}

	type change struct {
		uri    DocumentURI
		merged []Diagnostic
	}
	changes := make([]change, 0, len(affected))
	for _, uri := range affected {
		changes = append(changes, change{uri: uri, merged: a.mergeLocked(uri)})
	}
	h := a.onChange
	a.mu.Unlock()

	if h != nil {
		for _, c := range changes {
			h(c.uri, c.merged)
		}
	}
}

// ClearURI drops every snapshot for a closed document.
func (a *DiagnosticsAggregator) ClearURI(uri DocumentURI) {
	a.mu.Lock()
	delete(a.byURI, uri)
	a.mu.Unlock()
}

// mergeLocked concatenates snapshots in priority order. Servers the
// priority function does not mention merge last, ordered by instance id
// for determinism.
func (a *DiagnosticsAggregator) mergeLocked(uri DocumentURI) []Diagnostic {
	perServer := a.byURI[uri]
	if len(perServer) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(perServer))
	var merged []Diagnostic

	if a.priority != nil {
		for _, id := range a.priority(uri) {
			if diags, ok := perServer[id]; ok && !seen[id] {
				merged = append(merged, diags...)
				seen[id] = true
			}
		}
	}

	rest := make([]string, 0, len(perServer))
	for id := range perServer {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		merged = append(merged, perServer[id]...)
	}
	return merged
}
