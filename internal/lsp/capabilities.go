package lsp

import (
	"fmt"
	"sync"
)

// SyncKind is a server's negotiated document synchronization mode.
type SyncKind int

const (
	SyncNone        SyncKind = 0
	SyncFull        SyncKind = 1
	SyncIncremental SyncKind = 2
)

// String returns a human-readable sync mode name.
func (k SyncKind) String() string {
	switch k {
	case SyncNone:
		return "none"
	case SyncFull:
		return "full"
	case SyncIncremental:
		return "incremental"
	default:
		return "unknown"
	}
}

// Feature names a capability-gated operation.
type Feature int

const (
	FeatureHover Feature = iota
	FeatureCompletion
	FeatureFormatting
	FeatureDefinition
	FeatureReferences
)

// String returns the feature name.
func (f Feature) String() string {
	switch f {
	case FeatureHover:
		return "hover"
	case FeatureCompletion:
		return "completion"
	case FeatureFormatting:
		return "formatting"
	case FeatureDefinition:
		return "definition"
	case FeatureReferences:
		return "references"
	default:
		return "unknown"
	}
}

// CapabilitySet is the interpreted form of a server's negotiated
// capabilities. Fixed once the initialization handshake completes.
type CapabilitySet struct {
	Sync             SyncKind
	OpenClose        bool
	SaveIncludesText bool

	Hover      bool
	Completion bool
	Formatting bool
	Definition bool
	References bool
}

// Supports reports whether the set includes a feature.
func (c CapabilitySet) Supports(f Feature) bool {
	switch f {
	case FeatureHover:
		return c.Hover
	case FeatureCompletion:
		return c.Completion
	case FeatureFormatting:
		return c.Formatting
	case FeatureDefinition:
		return c.Definition
	case FeatureReferences:
		return c.References
	default:
		return false
	}
}

// ParseCapabilities interprets a raw initialize result. Union-typed
// provider fields count as supported for boolean true or any object.
func ParseCapabilities(caps ServerCapabilities) CapabilitySet {
	set := CapabilitySet{
		Hover:      providerEnabled(caps.HoverProvider),
		Completion: caps.CompletionProvider != nil,
		Formatting: providerEnabled(caps.DocumentFormattingProvider),
		Definition: providerEnabled(caps.DefinitionProvider),
		References: providerEnabled(caps.ReferencesProvider),
	}

	set.Sync, set.OpenClose, set.SaveIncludesText = parseSync(caps.TextDocumentSync)
	return set
}

// providerEnabled interprets the bool-or-object union of provider fields.
func providerEnabled(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		// An options object means the feature is offered.
		return true
	}
}

// parseSync interprets textDocumentSync, which is either a bare sync kind
// number or a TextDocumentSyncOptions object.
func parseSync(v any) (kind SyncKind, openClose bool, saveIncludesText bool) {
	switch val := v.(type) {
	case float64:
		return SyncKind(int(val)), true, false
	case map[string]any:
		if n, ok := val["change"].(float64); ok {
			kind = SyncKind(int(n))
		}
		openClose, _ = val["openClose"].(bool)
		if save, ok := val["save"].(map[string]any); ok {
			saveIncludesText, _ = save["includeText"].(bool)
		}
		return kind, openClose, saveIncludesText
	default:
		return SyncNone, false, false
	}
}

// CapabilityRegistry records the negotiated capability set of each server
// instance. A set is registered exactly once, at the instance's
// Initializing to Ready transition, and is read-only thereafter.
type CapabilityRegistry struct {
	mu   sync.RWMutex
	sets map[string]CapabilitySet
}

// NewCapabilityRegistry creates an empty registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{sets: make(map[string]CapabilitySet)}
}

// Register stores an instance's capability set. Re-registration after a
// restart replaces the prior set (the new process renegotiates).
func (r *CapabilityRegistry) Register(instanceID string, set CapabilitySet) {
	r.mu.Lock()
	r.sets[instanceID] = set
	r.mu.Unlock()
}

// Unregister drops an instance's entry (instance stopped for good).
func (r *CapabilityRegistry) Unregister(instanceID string) {
	r.mu.Lock()
	delete(r.sets, instanceID)
	r.mu.Unlock()
}

// CapabilitiesOf returns the registered set for an instance.
func (r *CapabilityRegistry) CapabilitiesOf(instanceID string) (CapabilitySet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.sets[instanceID]
	return set, ok
}

// Supports reports whether an instance negotiated a feature. Unknown
// instances support nothing.
func (r *CapabilityRegistry) Supports(instanceID string, f Feature) bool {
	set, ok := r.CapabilitiesOf(instanceID)
	return ok && set.Supports(f)
}

// requireFeature fails fast with ErrUnsupportedCapability when the
// instance has not negotiated the feature.
func requireFeature(set CapabilitySet, f Feature) error {
	if !set.Supports(f) {
		return fmt.Errorf("%s: %w", f, ErrUnsupportedCapability)
	}
	return nil
}
