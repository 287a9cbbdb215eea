package lsp

import (
	"sync"
	"testing"
)

func diag(msg, source string) Diagnostic {
	return Diagnostic{
		Range:    Range{Start: Position{Line: 1}, End: Position{Line: 1, Character: 5}},
		Severity: SeverityWarning,
		Source:   source,
		Message:  msg,
	}
}

// staticPriority returns the same merge order for every document.
func staticPriority(ids ...string) func(DocumentURI) []string {
	return func(DocumentURI) []string { return ids }
}

func TestAggregator_SnapshotReplacement(t *testing.T) {
	agg := NewDiagnosticsAggregator(staticPriority("primary"))

	agg.Publish("primary", "file:///a.go", []Diagnostic{diag("first", "gopls")})
	agg.Publish("primary", "file:///a.go", []Diagnostic{diag("second", "gopls")})

	got := agg.Diagnostics("file:///a.go")
	if len(got) != 1 || got[0].Message != "second" {
		t.Errorf("Diagnostics() = %+v, want single replaced snapshot", got)
	}
}

func TestAggregator_EmptyPublishClears(t *testing.T) {
	agg := NewDiagnosticsAggregator(staticPriority("primary"))

	agg.Publish("primary", "file:///a.go", []Diagnostic{diag("stale", "gopls")})
	agg.Publish("primary", "file:///a.go", nil)

	if got := agg.Diagnostics("file:///a.go"); len(got) != 0 {
		t.Errorf("Diagnostics() after empty publish = %+v, want none", got)
	}
}

func TestAggregator_MergePriorityOrder(t *testing.T) {
	agg := NewDiagnosticsAggregator(staticPriority("primary", "analyzer"))

	// Publish out of priority order.
	agg.Publish("analyzer", "file:///a.py", []Diagnostic{diag("unused import", "ruff")})
	agg.Publish("primary", "file:///a.py", []Diagnostic{diag("syntax error", "pyright")})

	got := agg.Diagnostics("file:///a.py")
	if len(got) != 2 {
		t.Fatalf("Diagnostics() returned %d, want 2", len(got))
	}
	if got[0].Source != "pyright" || got[1].Source != "ruff" {
		t.Errorf("merge order = [%s %s], want primary first", got[0].Source, got[1].Source)
	}
}

func TestAggregator_NoDeduplication(t *testing.T) {
	agg := NewDiagnosticsAggregator(staticPriority("a", "b"))

	same := diag("same problem", "")
	agg.Publish("a", "file:///x.go", []Diagnostic{same})
	agg.Publish("b", "file:///x.go", []Diagnostic{same})

	if got := agg.Diagnostics("file:///x.go"); len(got) != 2 {
		t.Errorf("Diagnostics() = %d entries, want 2 (no dedup)", len(got))
	}
}

func TestAggregator_ClearServer(t *testing.T) {
	agg := NewDiagnosticsAggregator(staticPriority("primary", "analyzer"))

	var mu sync.Mutex
	var changed []DocumentURI
	agg.OnChange(func(uri DocumentURI, _ []Diagnostic) {
		mu.Lock()
		changed = append(changed, uri)
		mu.Unlock()
	})

	agg.Publish("primary", "file:///a.go", []Diagnostic{diag("p", "gopls")})
	agg.Publish("analyzer", "file:///a.go", []Diagnostic{diag("a", "lint")})
	agg.Publish("analyzer", "file:///b.go", []Diagnostic{diag("b", "lint")})

	agg.ClearServer("analyzer")

	if got := agg.Diagnostics("file:///a.go"); len(got) != 1 || got[0].Source != "gopls" {
		t.Errorf("a.go after ClearServer = %+v, want gopls only", got)
	}
	if got := agg.Diagnostics("file:///b.go"); len(got) != 0 {
		t.Errorf("b.go after ClearServer = %+v, want none", got)
	}

	// The merged view of each affected document is re-announced.
	mu.Lock()
	defer mu.Unlock()
	count := 0
	for _, uri := range changed[3:] {
		if uri == "file:///a.go" || uri == "file:///b.go" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("ClearServer notified %d documents, want 2", count)
	}
}

func TestAggregator_ClearURI(t *testing.T) {
	agg := NewDiagnosticsAggregator(staticPriority("primary"))

	agg.Publish("primary", "file:///a.go", []Diagnostic{diag("p", "gopls")})
	agg.ClearURI("file:///a.go")

	if got := agg.Diagnostics("file:///a.go"); len(got) != 0 {
		t.Errorf("Diagnostics() after ClearURI = %+v, want none", got)
	}
	if uris := agg.URIs(); len(uris) != 0 {
		t.Errorf("URIs() = %v, want empty", uris)
	}
}

func TestAggregator_UnprioritizedServersMergeLast(t *testing.T) {
	agg := NewDiagnosticsAggregator(staticPriority("known"))

	agg.Publish("zz-extra", "file:///a.go", []Diagnostic{diag("extra", "x")})
	agg.Publish("known", "file:///a.go", []Diagnostic{diag("known", "k")})

	got := agg.Diagnostics("file:///a.go")
	if len(got) != 2 || got[0].Source != "k" {
		t.Errorf("merge = %+v, want prioritized server first", got)
	}
}
