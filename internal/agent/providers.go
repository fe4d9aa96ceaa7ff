package agent

import (
	"fmt"

	"github.com/agentharbor/core/internal/common/logger"
)

// ProviderSpec describes how to run one provider CLI: which wire variant
// it speaks, the base argv the sandbox launches, and (for the JSONL
// variant) how per-turn arguments are built.
type ProviderSpec struct {
	Name     string
	Variant  Variant
	BaseArgv []string
	TurnArgv TurnArgvFunc
	Dialect  Dialect
	Models   []ModelInfo
}

// DefaultProvider is the provider a new session starts on.
const DefaultProvider = "codex"

// BuiltinProviders returns the provider table. Argv and wire shapes are
// fixed per provider; no config setting overrides them.
func BuiltinProviders() map[string]ProviderSpec {
	return map[string]ProviderSpec{
		"codex": {
			Name:     "codex",
			Variant:  VariantJSONRPC,
			BaseArgv: []string{"codex", "app-server"},
		},
		"claude": {
			Name:     "claude",
			Variant:  VariantJSONL,
			BaseArgv: []string{"claude", "-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"},
			TurnArgv: claudeTurnArgv,
			Dialect:  ClaudeDialect{},
			Models: []ModelInfo{
				{ID: "sonnet", DisplayName: "Sonnet", Default: true},
				{ID: "opus", DisplayName: "Opus"},
				{ID: "haiku", DisplayName: "Haiku"},
			},
		},
		"amp": {
			Name:     "amp",
			Variant:  VariantJSONL,
			BaseArgv: []string{"amp", "--execute", "--stream-json", "--dangerously-allow-all"},
			TurnArgv: ampTurnArgv,
			Dialect:  AmpDialect{},
			Models:   []ModelInfo{{ID: "default", DisplayName: "Default", Default: true}},
		},
	}
}

func claudeTurnArgv(text, threadID, model, _ string) []string {
	var argv []string
	if threadID != "" {
		argv = append(argv, "--resume", threadID)
	}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	return append(argv, text)
}

func ampTurnArgv(text, threadID, _, _ string) []string {
	var argv []string
	if threadID != "" {
		argv = append(argv, "--thread", threadID)
	}
	return append(argv, text)
}

// NewAdapter constructs the wire adapter for a provider.
func NewAdapter(spec ProviderSpec, spawner Spawner, log *logger.Logger) (Adapter, error) {
	switch spec.Variant {
	case VariantJSONRPC:
		return NewJSONRPCAdapter(spawner, log), nil
	case VariantJSONL:
		if spec.Dialect == nil || spec.TurnArgv == nil {
			return nil, fmt.Errorf("agent: provider %s: jsonl variant requires a dialect and turn argv builder", spec.Name)
		}
		return NewJSONLAdapter(spawner, spec.Dialect, spec.TurnArgv, spec.Models, log), nil
	default:
		return nil, fmt.Errorf("agent: provider %s: unknown variant %q", spec.Name, spec.Variant)
	}
}
