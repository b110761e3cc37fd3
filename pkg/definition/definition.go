// Package definition loads agent definitions: markdown files whose YAML
// front matter describes the agent and its model and whose body is the
// system prompt.
//
//	---
//	agent:
//	  name: reviewer
//	  version: 1.0.0
//	model:
//	  provider: ollama
//	  model: llama3
//	  parameters:
//	    temperature: 0.2
//	    max_tokens: 2048
//	---
//	You review pull requests.
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jguan/agent-domain/pkg/agent"
)

const delimiter = "---"

// MaxTokensLimit is the largest max_tokens a definition may ask for.
const MaxTokensLimit = 1_000_000

var ErrParse = errors.New("agent definition parse error")

// ParseError reports why a definition could not be loaded.
type ParseError struct {
	Path   string
	Reason string
	Cause  error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("definition")
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Cause }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Metadata describes the agent itself.
type Metadata struct {
	// ID is zero when the definition leaves allocation to deploy.
	ID          agent.AgentID
	Name        string
	DisplayName string
	Version     string
	Description string
	Author      string
	Tags        []string
}

// Definition is a validated agent definition.
type Definition struct {
	Metadata     Metadata
	ModelConfig  agent.ModelConfig
	SystemPrompt string
}

// Deploy returns the deploy command for the definition.
func (d Definition) Deploy(person agent.PersonID) agent.Deploy {
	desc := d.Metadata.Description
	if desc == "" {
		desc = d.Metadata.DisplayName
	}
	return agent.Deploy{AgentID: d.Metadata.ID, PersonID: person, Name: d.Metadata.Name, Description: desc}
}

type frontMatter struct {
	Agent struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		DisplayName string `yaml:"display_name"`
		Version     string `yaml:"version"`
		Description string `yaml:"description"`
	} `yaml:"agent"`
	Model struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
		Endpoint string `yaml:"endpoint"`
		Ollama   *struct {
			URL       string `yaml:"url"`
			Model     string `yaml:"model"`
			NumCtx    int    `yaml:"num_ctx"`
			KeepAlive string `yaml:"keep_alive"`
		} `yaml:"ollama"`
		OpenAI *struct {
			Organization string `yaml:"organization"`
			JSONMode     bool   `yaml:"json_mode"`
		} `yaml:"openai"`
		Parameters parameters `yaml:"parameters"`
	} `yaml:"model"`
	Metadata struct {
		Description string   `yaml:"description"`
		Author      string   `yaml:"author"`
		Tags        []string `yaml:"tags"`
	} `yaml:"metadata"`
}

type parameters struct {
	Temperature      *float64 `yaml:"temperature"`
	MaxTokens        *int     `yaml:"max_tokens"`
	TopP             *float64 `yaml:"top_p"`
	TopK             int      `yaml:"top_k"`
	FrequencyPenalty float64  `yaml:"frequency_penalty"`
	PresencePenalty  float64  `yaml:"presence_penalty"`
	Stop             []string `yaml:"stop"`
}

// Load reads and validates the definition at path.
func Load(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, &ParseError{Path: path, Reason: "cannot read file", Cause: err}
	}
	return Parse(path, data)
}

// Parse validates a definition held in memory. path is only used in errors.
func Parse(path string, data []byte) (Definition, error) {
	head, body, err := split(data)
	if err != nil {
		return Definition{}, &ParseError{Path: path, Reason: err.Error()}
	}

	var fm frontMatter
	if err := yaml.Unmarshal(head, &fm); err != nil {
		return Definition{}, &ParseError{Path: path, Reason: "invalid YAML front matter", Cause: err}
	}

	def, problems := build(fm, strings.TrimSpace(string(body)))
	if len(problems) > 0 {
		return Definition{}, &ParseError{Path: path, Reason: strings.Join(problems, "; ")}
	}
	return def, nil
}

// split separates the front matter from the body. The file must open with
// a delimiter line.
func split(data []byte) (head, body []byte, err error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	rest, ok := bytes.CutPrefix(data, []byte(delimiter+"\n"))
	if !ok {
		return nil, nil, errors.New("missing front matter (expected '---' on the first line)")
	}
	var found bool
	head, body, found = bytes.Cut(rest, []byte("\n"+delimiter))
	if !found {
		if bytes.HasPrefix(rest, []byte(delimiter)) {
			head, body = nil, rest[len(delimiter):]
		} else {
			return nil, nil, errors.New("unterminated front matter")
		}
	}
	if len(bytes.TrimSpace(head)) == 0 {
		return nil, nil, errors.New("empty front matter")
	}
	return head, body, nil
}

// build converts and validates the front matter, collecting every problem
// instead of stopping at the first.
func build(fm frontMatter, prompt string) (Definition, []string) {
	var problems []string
	addf := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	def := Definition{
		Metadata: Metadata{
			Name:        strings.TrimSpace(fm.Agent.Name),
			DisplayName: fm.Agent.DisplayName,
			Version:     fm.Agent.Version,
			Description: fm.Agent.Description,
			Author:      fm.Metadata.Author,
			Tags:        fm.Metadata.Tags,
		},
		SystemPrompt: prompt,
	}
	if def.Metadata.Description == "" {
		def.Metadata.Description = fm.Metadata.Description
	}

	if fm.Agent.ID != "" {
		id, err := agent.ParseAgentID(fm.Agent.ID)
		if err != nil {
			addf("agent.id: %v", err)
		}
		def.Metadata.ID = id
	}
	if def.Metadata.Name == "" {
		addf("agent.name is required")
	}
	if !validVersion(fm.Agent.Version) {
		addf("agent.version %q is not MAJOR.MINOR.PATCH", fm.Agent.Version)
	}
	if prompt == "" {
		addf("system prompt body is empty")
	}

	cfg, err := modelConfig(fm)
	if err != nil {
		addf("model: %v", err)
	}
	def.ModelConfig = cfg
	return def, problems
}

func modelConfig(fm frontMatter) (agent.ModelConfig, error) {
	m := fm.Model
	kind, err := agent.ParseProviderKind(m.Provider)
	if err != nil {
		return agent.ModelConfig{}, err
	}

	cfg := agent.NewModelConfig(kind, m.Model)
	cfg.Endpoint = m.Endpoint

	p := m.Parameters
	if p.Temperature != nil {
		cfg.Sampling.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		cfg.Sampling.TopP = *p.TopP
	}
	if p.MaxTokens != nil {
		if *p.MaxTokens > MaxTokensLimit {
			return agent.ModelConfig{}, fmt.Errorf("max_tokens %d exceeds %d", *p.MaxTokens, MaxTokensLimit)
		}
		cfg.Sampling.MaxTokens = *p.MaxTokens
	}
	cfg.Sampling.FrequencyPenalty = p.FrequencyPenalty
	cfg.Sampling.PresencePenalty = p.PresencePenalty
	cfg.Sampling.Stop = p.Stop

	switch kind {
	case agent.ProviderOllama:
		opts := &agent.OllamaOptions{TopK: p.TopK}
		if o := m.Ollama; o != nil {
			if cfg.Model == "" {
				cfg.Model = o.Model
			}
			if cfg.Endpoint == "" {
				cfg.Endpoint = o.URL
			}
			opts.NumCtx = o.NumCtx
			opts.KeepAlive = o.KeepAlive
		}
		if *opts != (agent.OllamaOptions{}) {
			cfg.Ollama = opts
		}
	case agent.ProviderAnthropic:
		if p.TopK != 0 {
			cfg.Anthropic = &agent.AnthropicOptions{TopK: p.TopK}
		}
	case agent.ProviderOpenAI:
		if o := m.OpenAI; o != nil {
			cfg.OpenAI = &agent.OpenAIOptions{Organization: o.Organization, JSONMode: o.JSONMode}
		}
	}

	if err := cfg.Validate(); err != nil {
		return agent.ModelConfig{}, err
	}
	return cfg, nil
}

func validVersion(v string) bool {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 10, 32); err != nil {
			return false
		}
	}
	return true
}
