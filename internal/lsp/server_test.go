package lsp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func startTestInstance(t *testing.T, cfg ServerConfig, caps ServerCapabilities, opts ...InstanceOption) (*ServerInstance, *fakeFactory) {
	t.Helper()

	factory := newFakeFactory(t, caps)
	opts = append(opts, WithLauncher(factory.launcher))
	inst := NewServerInstance(cfg, opts...)

	if err := inst.Start(context.Background(), []WorkspaceFolder{{URI: "file:///ws", Name: "ws"}}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { inst.Shutdown(context.Background()) })
	return inst, factory
}

func TestServerInstance_StartNegotiatesCapabilities(t *testing.T) {
	var mu sync.Mutex
	var transitions []ServerState
	record := WithStateHandler(func(_ *ServerInstance, _, next ServerState) {
		mu.Lock()
		transitions = append(transitions, next)
		mu.Unlock()
	})

	inst, factory := startTestInstance(t, testServerConfig("gopls", RolePrimary), fullCaps(), record)

	if inst.State() != StateReady {
		t.Fatalf("State() = %v, want ready", inst.State())
	}

	caps := inst.Capabilities()
	if caps.Sync != SyncFull || !caps.Hover || !caps.Completion || !caps.Formatting {
		t.Errorf("Capabilities() = %+v", caps)
	}

	mu.Lock()
	got := append([]ServerState(nil), transitions...)
	mu.Unlock()
	want := []ServerState{StateStarting, StateInitializing, StateReady}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}

	fs := factory.current()
	if _, ok := fs.awaitMethod("initialized", time.Second); !ok {
		t.Error("initialized notification not sent")
	}
}

func TestServerInstance_DoubleStart(t *testing.T) {
	inst, _ := startTestInstance(t, testServerConfig("gopls", RolePrimary), fullCaps())

	err := inst.Start(context.Background(), nil)
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestServerInstance_UnsupportedCapabilityIsLocal(t *testing.T) {
	// Hover only: formatting must fail without touching the wire.
	inst, factory := startTestInstance(t, testServerConfig("hover-only", RolePrimary), incrementalCaps())

	_, err := inst.Formatting(context.Background(), "file:///ws/a.go", FormattingOptions{TabSize: 4})
	if !errors.Is(err, ErrUnsupportedCapability) {
		t.Fatalf("Formatting() error = %v, want ErrUnsupportedCapability", err)
	}

	if factory.current().sawMethod("textDocument/formatting") {
		t.Error("formatting request reached the server despite missing capability")
	}
}

func TestServerInstance_HoverRoundTrip(t *testing.T) {
	inst, factory := startTestInstance(t, testServerConfig("gopls", RolePrimary), fullCaps())

	factory.current().setResult("textDocument/hover", Hover{
		Contents: MarkupContent{Kind: MarkupKindMarkdown, Value: "func Foo()"},
	})

	h, err := inst.Hover(context.Background(), "file:///ws/a.go", Position{Line: 1, Character: 2})
	if err != nil {
		t.Fatalf("Hover() error = %v", err)
	}
	if h == nil || h.Contents.Value != "func Foo()" {
		t.Errorf("Hover() = %+v", h)
	}
}

func TestServerInstance_TimeoutDegradesAndRecovers(t *testing.T) {
	cfg := testServerConfig("slow", RolePrimary)
	cfg.RequestTimeout = 50 * time.Millisecond
	cfg.DegradeThreshold = 2
	inst, factory := startTestInstance(t, cfg, fullCaps())

	fs := factory.current()
	fs.stall("textDocument/hover")

	for i := 0; i < cfg.DegradeThreshold; i++ {
		if _, err := inst.Hover(context.Background(), "file:///ws/a.go", Position{}); !errors.Is(err, ErrTimeout) {
			t.Fatalf("Hover() #%d error = %v, want ErrTimeout", i, err)
		}
	}
	if inst.State() != StateDegraded {
		t.Fatalf("State() after timeouts = %v, want degraded", inst.State())
	}

	// Degraded servers stay reachable; one success restores Ready.
	fs.unstall("textDocument/hover")
	fs.setResult("textDocument/hover", Hover{Contents: MarkupContent{Value: "ok"}})
	if _, err := inst.Hover(context.Background(), "file:///ws/a.go", Position{}); err != nil {
		t.Fatalf("Hover() after unstall error = %v", err)
	}
	if inst.State() != StateReady {
		t.Errorf("State() after success = %v, want ready", inst.State())
	}
	if inst.DegradeCount() != 0 {
		t.Errorf("DegradeCount() = %d, want 0", inst.DegradeCount())
	}
}

func TestServerInstance_CrashFailsPendingInOrder(t *testing.T) {
	inst, factory := startTestInstance(t, testServerConfig("crashy", RolePrimary), fullCaps())
	fs := factory.current()
	fs.stall("textDocument/hover")
	fs.stall("textDocument/definition")

	hoverErr := make(chan error, 1)
	defErr := make(chan error, 1)
	ctx := context.Background()
	go func() {
		_, err := inst.Hover(ctx, "file:///ws/a.go", Position{})
		hoverErr <- err
	}()
	go func() {
		_, err := inst.Definition(ctx, "file:///ws/a.go", Position{})
		defErr <- err
	}()

	if _, ok := fs.awaitMethod("textDocument/hover", time.Second); !ok {
		t.Fatal("hover request not received")
	}
	if _, ok := fs.awaitMethod("textDocument/definition", time.Second); !ok {
		t.Fatal("definition request not received")
	}

	fs.crash()

	for name, ch := range map[string]chan error{"hover": hoverErr, "definition": defErr} {
		select {
		case err := <-ch:
			if !errors.Is(err, ErrProcessExit) {
				t.Errorf("%s error = %v, want ErrProcessExit", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s not failed after crash", name)
		}
	}

	waitForState(t, inst, StateCrashed)
}

func TestServerInstance_RequestsAfterCrashFailFast(t *testing.T) {
	inst, factory := startTestInstance(t, testServerConfig("crashy", RolePrimary), fullCaps())

	factory.current().crash()
	waitForState(t, inst, StateCrashed)

	_, err := inst.Hover(context.Background(), "file:///ws/a.go", Position{})
	if !errors.Is(err, ErrServerNotReady) {
		t.Errorf("Hover() after crash error = %v, want ErrServerNotReady", err)
	}
}

func TestServerInstance_ShutdownHandshake(t *testing.T) {
	inst, factory := startTestInstance(t, testServerConfig("gopls", RolePrimary), fullCaps())
	fs := factory.current()

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if inst.State() != StateStopped {
		t.Fatalf("State() = %v, want stopped", inst.State())
	}

	if _, ok := fs.awaitMethod("shutdown", time.Second); !ok {
		t.Error("shutdown request not sent")
	}
	if _, ok := fs.awaitMethod("exit", time.Second); !ok {
		t.Error("exit notification not sent")
	}

	// Stopped is terminal for direct starts.
	if err := inst.Start(context.Background(), nil); !errors.Is(err, ErrShutdown) {
		t.Errorf("Start() after Shutdown error = %v, want ErrShutdown", err)
	}
}

func TestServerInstance_DidSaveIncludesTextWhenNegotiated(t *testing.T) {
	inst, factory := startTestInstance(t, testServerConfig("inc", RolePrimary), incrementalCaps())

	if err := inst.DidSave("file:///ws/a.go", "saved body"); err != nil {
		t.Fatalf("DidSave() error = %v", err)
	}

	msg, ok := factory.current().awaitMethod("textDocument/didSave", time.Second)
	if !ok {
		t.Fatal("didSave not received")
	}
	if gjson.GetBytes(msg.Params, "text").String() != "saved body" {
		t.Errorf("didSave params = %s, want text included", msg.Params)
	}
}

func TestServerInstance_DidSaveOmitsTextByDefault(t *testing.T) {
	inst, factory := startTestInstance(t, testServerConfig("full", RolePrimary), fullCaps())

	if err := inst.DidSave("file:///ws/a.go", "saved body"); err != nil {
		t.Fatalf("DidSave() error = %v", err)
	}

	msg, ok := factory.current().awaitMethod("textDocument/didSave", time.Second)
	if !ok {
		t.Fatal("didSave not received")
	}
	if gjson.GetBytes(msg.Params, "text").Exists() {
		t.Errorf("didSave params = %s, want no text field", msg.Params)
	}
}
