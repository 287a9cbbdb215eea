// Package lsp manages multiple external Language Server Protocol servers
// behind one client interface.
//
// Several servers can be attached to the same language, each with a role
// (primary, analyzer, or formatter). The manager launches them, mirrors
// open documents to each, routes requests to the right server by role,
// and merges their diagnostics streams into one view per document.
//
// # Architecture
//
// The package is organized around these core components:
//
//   - Manager: the facade; owns servers, documents, routing, diagnostics
//   - ServerInstance: one server process, its lifecycle and capabilities
//   - Supervisor: crash recovery with exponential backoff
//   - Dispatcher: JSON-RPC request/response correlation
//   - Framer: Content-Length base protocol framing
//   - DocumentSync: versioned document mirroring across servers
//   - Router: role-based request routing
//   - DiagnosticsAggregator: per-document merged diagnostics
//
// # Quick Start
//
// Configure servers, start the manager, open a document:
//
//	mgr, err := lsp.NewManager([]lsp.ServerConfig{
//	    {
//	        Name:      "gopls",
//	        Command:   "gopls",
//	        Args:      []string{"serve"},
//	        Languages: []string{"go"},
//	        Role:      lsp.RolePrimary,
//	    },
//	    {
//	        Name:      "lint",
//	        Command:   "golangci-lint-langserver",
//	        Languages: []string{"go"},
//	        Role:      lsp.RoleAnalyzer,
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := mgr.Start(ctx, folders); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Shutdown(ctx)
//
//	uri := lsp.FilePathToURI("/path/to/main.go")
//	mgr.OpenDocument(uri, "go", 1, content)
//	hover, err := mgr.Hover(ctx, uri, lsp.Position{Line: 10, Character: 5})
//
// Diagnostics arrive asynchronously; register a handler with
// WithDiagnosticsHandler or poll with Manager.Diagnostics.
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Document operations on
// a single document should come from one goroutine so that version
// numbers arrive in order.
package lsp
