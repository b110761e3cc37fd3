package capability

// LongContextThreshold is the minimum context length, in tokens, at which a
// requirement implicitly asks for LongContext.
const LongContextThreshold = 32000

// Requirements describes what a message needs from a provider.
type Requirements struct {
	Capabilities     Set `json:"capabilities"`
	MinContextLength int `json:"min_context_length,omitempty"`
}

// Require builds Requirements from a capability set with no context bound.
func Require(s Set) Requirements { return Requirements{Capabilities: s} }

// WithMinContext returns a copy of r that also requires at least n tokens of
// context. Lengths above LongContextThreshold add LongContext.
func (r Requirements) WithMinContext(n int) Requirements {
	if n > r.MinContextLength {
		r.MinContextLength = n
	}
	if r.MinContextLength > LongContextThreshold {
		r.Capabilities |= LongContext
	}
	return r
}

// Provided is what a provider advertises.
type Provided struct {
	Capabilities Set `json:"capabilities"`
	// MaxContextLength of zero means unknown.
	MaxContextLength int `json:"max_context_length,omitempty"`
}

// Satisfies reports whether p meets r. An unknown context length never
// satisfies a non-zero minimum.
func (p Provided) Satisfies(r Requirements) bool {
	if !p.Capabilities.Satisfies(r.Capabilities) {
		return false
	}
	if r.MinContextLength > 0 && p.MaxContextLength < r.MinContextLength {
		return false
	}
	return true
}

// Missing returns the required capabilities p lacks.
func (p Provided) Missing(r Requirements) Set {
	return r.Capabilities.Without(p.Capabilities)
}

// Presets advertised by the built-in provider adapters.
var (
	OpenAIPreset = Provided{
		Capabilities:     AdvancedChat | Vision | LongContext,
		MaxContextLength: 128000,
	}
	AnthropicPreset = Provided{
		Capabilities:     AdvancedChat | Vision | LongContext | CodeExecution,
		MaxContextLength: 200000,
	}
	OllamaPreset = Provided{
		Capabilities:     BasicChat,
		MaxContextLength: 8192,
	}
	MockPreset = Provided{
		Capabilities:     BasicChat,
		MaxContextLength: 4096,
	}
)
