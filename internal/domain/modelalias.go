package domain

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed modelalias.yaml
var modelAliasYAML []byte

// Provider identifies which upstream API family serves a canonical model ID.
type Provider string

// Known providers. providerFor falls back to ProviderDefault for any
// canonical ID it doesn't recognize, so new models never hard-fail routing.
const (
	ProviderClaude  Provider = "claude"
	ProviderOpenAI  Provider = "openai"
	ProviderGemini  Provider = "gemini"
	ProviderDefault Provider = "default"
)

type modelAliasDocument struct {
	Aliases map[string]string `yaml:"aliases"`
}

// ModelAliasTable resolves short or historical model names to the canonical
// identifier the CodingAgent and ForgeClient adapters use, per the
// ModelAlias Table in spec §3. Resolution is case-insensitive and
// idempotent: resolving an already-canonical name returns it unchanged.
type ModelAliasTable struct {
	aliases map[string]string
}

// LoadModelAliasTable parses the embedded alias document. It only fails if
// the embedded YAML is malformed, which would be a build-time defect.
func LoadModelAliasTable() (*ModelAliasTable, error) {
	var doc modelAliasDocument
	if err := yaml.Unmarshal(modelAliasYAML, &doc); err != nil {
		return nil, fmt.Errorf("modelalias: parse embedded table: %w", err)
	}

	normalized := make(map[string]string, len(doc.Aliases))
	for k, v := range doc.Aliases {
		normalized[strings.ToLower(k)] = v
	}
	return &ModelAliasTable{aliases: normalized}, nil
}

// Resolve maps name to its canonical model identifier. Matching is
// case-insensitive; an unrecognized name passes through unchanged rather
// than erroring, so operators can route to models the table hasn't caught
// up with yet.
func (t *ModelAliasTable) Resolve(name string) string {
	if name == "" {
		return name
	}
	if canonical, ok := t.aliases[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

// providerPrefixes maps canonical-ID substrings to their provider, checked
// in order so more specific prefixes (e.g. "gpt-" before "gpt") win over generic ones.
var providerPrefixes = []struct {
	prefix   string
	provider Provider
}{
	{"claude", ProviderClaude},
	{"gpt-", ProviderOpenAI},
	{"gpt", ProviderOpenAI},
	{"gemini", ProviderGemini},
}

// ProviderFor reports which upstream family serves a canonical model ID.
// Canonical IDs this table doesn't recognize resolve to ProviderDefault.
func ProviderFor(canonicalModel string) Provider {
	m := strings.ToLower(canonicalModel)
	for _, p := range providerPrefixes {
		if strings.HasPrefix(m, p.prefix) {
			return p.provider
		}
	}
	return ProviderDefault
}
