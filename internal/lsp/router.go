package lsp

import "fmt"

// Operation is a logical editor request routed across servers by role.
type Operation int

const (
	OpHover Operation = iota
	OpCompletion
	OpDefinition
	OpReferences
	OpFormatting
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpHover:
		return "hover"
	case OpCompletion:
		return "completion"
	case OpDefinition:
		return "definition"
	case OpReferences:
		return "references"
	case OpFormatting:
		return "formatting"
	default:
		return "unknown"
	}
}

// Feature returns the capability the operation requires.
func (o Operation) Feature() Feature {
	switch o {
	case OpHover:
		return FeatureHover
	case OpCompletion:
		return FeatureCompletion
	case OpDefinition:
		return FeatureDefinition
	case OpReferences:
		return FeatureReferences
	case OpFormatting:
		return FeatureFormatting
	default:
		return FeatureHover
	}
}

// SelectionPolicy decides how multi-candidate operations pick a result.
type SelectionPolicy int

const (
	// SelectFirstNonEmpty tries the primary first, then the remaining
	// candidates in configuration order, returning the first non-empty
	// result.
	SelectFirstNonEmpty SelectionPolicy = iota

	// SelectPrimaryOnly never consults secondary servers.
	SelectPrimaryOnly
)

// Router maps logical operations to server instances by role.
//
// Completion, definition, and references go to the primary alone. Hover
// may fall through to secondary servers per the selection policy.
// Formatting goes to a formatter-role server when one is usable,
// otherwise the primary. Diagnostics need no routing; every analysis
// server publishes them unsolicited.
type Router struct {
	policy SelectionPolicy

	// servers returns the instance set in configuration order.
	servers func() []*ServerInstance
}

// NewRouter creates a router over the instance provider.
func NewRouter(servers func() []*ServerInstance, policy SelectionPolicy) *Router {
	return &Router{policy: policy, servers: servers}
}

// Route returns the candidate instances for an operation on a language,
// in consultation order. Candidates are usable (Ready or Degraded) and
// have negotiated the operation's capability; Ready instances sort before
// Degraded ones within each role group.
//
// It returns ErrNoAvailableServer when no usable server holds the
// required role, and ErrUnsupportedCapability when usable servers exist
// but none negotiated the feature. Both are decided locally, before any
// wire contact.
func (r *Router) Route(op Operation, languageID string) ([]*ServerInstance, error) {
	var primaries, formatters, others []*ServerInstance
	for _, inst := range r.servers() {
		if !inst.Config().ServesLanguage(languageID) || !inst.State().Usable() {
			continue
		}
		switch inst.Role() {
		case RolePrimary:
			primaries = append(primaries, inst)
		case RoleFormatter:
			formatters = append(formatters, inst)
		default:
			others = append(others, inst)
		}
	}

	var chain []*ServerInstance
	switch op {
	case OpCompletion, OpDefinition, OpReferences:
		chain = readyFirst(primaries)

	case OpHover:
		chain = readyFirst(primaries)
		if r.policy == SelectFirstNonEmpty {
			chain = append(chain, readyFirst(others)...)
			chain = append(chain, readyFirst(formatters)...)
		}

	case OpFormatting:
		if len(formatters) > 0 {
			chain = readyFirst(formatters)
		} else {
			chain = readyFirst(primaries)
		}
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("%s for %s: %w", op, languageID, ErrNoAvailableServer)
	}

	capable := chain[:0:0]
	for _, inst := range chain {
		if inst.Capabilities().Supports(op.Feature()) {
			capable = append(capable, inst)
		}
	}
	if len(capable) == 0 {
		return nil, fmt.Errorf("%s on %s: %w", op, chain[0].Name(), ErrUnsupportedCapability)
	}
	return capable, nil
}

// AnalysisServers returns the servers whose diagnostics merge into the
// combined view for a language, in merge priority order: primary first,
// then analyzers in configuration order, then any formatter that also
// publishes diagnostics.
func (r *Router) AnalysisServers(languageID string) []*ServerInstance {
	var primaries, analyzers, formatters []*ServerInstance
	for _, inst := range r.servers() {
		if !inst.Config().ServesLanguage(languageID) {
			continue
		}
		switch inst.Role() {
		case RolePrimary:
			primaries = append(primaries, inst)
		case RoleAnalyzer:
			analyzers = append(analyzers, inst)
		case RoleFormatter:
			formatters = append(formatters, inst)
		}
	}

	out := make([]*ServerInstance, 0, len(primaries)+len(analyzers)+len(formatters))
	out = append(out, primaries...)
	out = append(out, analyzers...)
	out = append(out, formatters...)
	return out
}

// readyFirst orders instances Ready before Degraded, keeping
// configuration order within each group.
func readyFirst(insts []*ServerInstance) []*ServerInstance {
	if len(insts) < 2 {
		return insts
	}

	out := make([]*ServerInstance, 0, len(insts))
	for _, inst := range insts {
		if inst.State() == StateReady {
			out = append(out, inst)
		}
	}
	for _, inst := range insts {
		if inst.State() == StateDegraded {
			out = append(out, inst)
		}
	}
	return out
}
