package config

// AgentVariant selects which agent policy a process runs.
type AgentVariant string

const (
	// VariantMemory runs the five-node tiered-memory pipeline.
	VariantMemory AgentVariant = "memory"
	// VariantRAG indexes turns in the vector store and retrieves by similarity.
	VariantRAG AgentVariant = "rag"
	// VariantFullContext replays the largest window the model allows.
	VariantFullContext AgentVariant = "full_context"
)

// IsValid checks if the variant is one of the known values.
func (v AgentVariant) IsValid() bool {
	switch v {
	case VariantMemory, VariantRAG, VariantFullContext:
		return true
	default:
		return false
	}
}

// KeyPrefix returns the session-ID prefix that isolates this variant's keys.
func (v AgentVariant) KeyPrefix() string {
	switch v {
	case VariantMemory:
		return "full"
	case VariantRAG:
		return "rag"
	case VariantFullContext:
		return "full_context"
	default:
		return string(v)
	}
}

// ProviderType identifies an LLM provider implementation.
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderGemini ProviderType = "gemini"
	// ProviderMock is a deterministic in-process provider for tests.
	ProviderMock ProviderType = "mock"
)

// IsValid checks if the provider type is one of the known values.
func (t ProviderType) IsValid() bool {
	switch t {
	case ProviderOpenAI, ProviderGemini, ProviderMock:
		return true
	default:
		return false
	}
}
