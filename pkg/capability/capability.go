// Package capability implements the capability lattice used to match
// message intents to chat providers.
//
// A Set is a bitset over a fixed enumeration of atomic capabilities.
// Meet is intersection, Join is union, and a provided set satisfies a
// required set when every required bit is present.
package capability

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strings"
)

// Set is a capability bitset. The zero value is the empty set.
type Set uint32

const (
	TextChat Set = 1 << iota
	Streaming
	SystemPrompt
	MultiTurn
	FunctionCalling
	Vision
	JSONMode
	CodeExecution
	LongContext
	Embeddings
	ImageGeneration
	AudioInput
	AudioOutput
)

const (
	Bottom Set = 0
	Top    Set = TextChat | Streaming | SystemPrompt | MultiTurn | FunctionCalling | Vision |
		JSONMode | CodeExecution | LongContext | Embeddings | ImageGeneration | AudioInput | AudioOutput

	BasicChat    = TextChat | Streaming | SystemPrompt | MultiTurn
	AdvancedChat = BasicChat | FunctionCalling | JSONMode
	Multimodal   = Vision | AudioInput | AudioOutput | ImageGeneration
)

// atoms lists every atomic capability in bit order with its wire name.
var atoms = []struct {
	bit  Set
	name string
}{
	{TextChat, "text_chat"},
	{Streaming, "streaming"},
	{SystemPrompt, "system_prompt"},
	{MultiTurn, "multi_turn"},
	{FunctionCalling, "function_calling"},
	{Vision, "vision"},
	{JSONMode, "json_mode"},
	{CodeExecution, "code_execution"},
	{LongContext, "long_context"},
	{Embeddings, "embeddings"},
	{ImageGeneration, "image_generation"},
	{AudioInput, "audio_input"},
	{AudioOutput, "audio_output"},
}

// Of returns the join of all given sets.
func Of(sets ...Set) Set {
	var s Set
	for _, x := range sets {
		s |= x
	}
	return s
}

// Meet returns the capabilities present in both s and other.
func (s Set) Meet(other Set) Set { return s & other }

// Join returns the capabilities present in either s or other.
func (s Set) Join(other Set) Set { return s | other }

// Satisfies reports whether every capability in required is present in s.
// Every set satisfies the empty requirement.
func (s Set) Satisfies(required Set) bool { return s.Meet(required) == required }

// Has reports whether s contains the atomic capability c.
func (s Set) Has(c Set) bool { return c != 0 && s&c == c }

// Without returns s with the bits of other cleared.
func (s Set) Without(other Set) Set { return s &^ other }

func (s Set) IsEmpty() bool { return s == Bottom }

// Count returns the number of atomic capabilities in s.
func (s Set) Count() int { return bits.OnesCount32(uint32(s & Top)) }

// Names returns the wire names of the atoms in s, in bit order.
// Bits outside the known enumeration are ignored.
func (s Set) Names() []string {
	names := make([]string, 0, s.Count())
	for _, a := range atoms {
		if s&a.bit != 0 {
			names = append(names, a.name)
		}
	}
	return names
}

func (s Set) String() string {
	if s.IsEmpty() {
		return "none"
	}
	return strings.Join(s.Names(), "|")
}

// Parse converts a list of atom names into a Set. Names are matched
// case-insensitively and may use '-' in place of '_'.
func Parse(names ...string) (Set, error) {
	var s Set
	for _, raw := range names {
		n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
		if n == "" {
			continue
		}
		bit, ok := lookup(n)
		if !ok {
			return Bottom, fmt.Errorf("unknown capability %q", raw)
		}
		s |= bit
	}
	return s, nil
}

// ParseString parses a "|" or "," separated capability list.
func ParseString(text string) (Set, error) {
	if strings.TrimSpace(text) == "" || text == "none" {
		return Bottom, nil
	}
	return Parse(strings.FieldsFunc(text, func(r rune) bool { return r == '|' || r == ',' })...)
}

func lookup(name string) (Set, bool) {
	switch name {
	case "basic_chat":
		return BasicChat, true
	case "advanced_chat":
		return AdvancedChat, true
	case "multimodal":
		return Multimodal, true
	}
	for _, a := range atoms {
		if a.name == name {
			return a.bit, true
		}
	}
	return 0, false
}

func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		var raw uint32
		if numErr := json.Unmarshal(data, &raw); numErr != nil {
			return fmt.Errorf("capability set: %w", err)
		}
		*s = Set(raw) & Top
		return nil
	}
	parsed, err := Parse(names...)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Set) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Set) UnmarshalText(text []byte) error {
	parsed, err := ParseString(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
