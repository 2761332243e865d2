package locale

import (
	_ "embed"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultBundle []byte

// LeadFlow holds the social-channel texts used by the lead capture dialogue.
type LeadFlow struct {
	ConfirmPrompt   string `yaml:"confirm_prompt"`
	AcceptTitle     string `yaml:"accept_title"`
	DeclineTitle    string `yaml:"decline_title"`
	DetailsRequest  string `yaml:"details_request"`
	DeclineAck      string `yaml:"decline_ack"`
	DetailsReceived string `yaml:"details_received"`
}

// Strings is the policy text of one language.
type Strings struct {
	Name               string   `yaml:"name"`
	Aliases            []string `yaml:"aliases"`
	NoContext          string   `yaml:"no_context"`
	PublicInfoRefusal  string   `yaml:"public_info_refusal"`
	LeadQuestion       string   `yaml:"lead_question"`
	LeadAcknowledgment string   `yaml:"lead_acknowledgment"`
	DelayedResponse    string   `yaml:"delayed_response"`
	LeadFlow           LeadFlow `yaml:"lead_flow"`
}

func (s Strings) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("language entry without name")
	}
	required := map[string]string{
		"no_context":          s.NoContext,
		"public_info_refusal": s.PublicInfoRefusal,
		"lead_question":       s.LeadQuestion,
		"lead_acknowledgment": s.LeadAcknowledgment,
		"delayed_response":    s.DelayedResponse,

		"lead_flow.confirm_prompt":   s.LeadFlow.ConfirmPrompt,
		"lead_flow.accept_title":     s.LeadFlow.AcceptTitle,
		"lead_flow.decline_title":    s.LeadFlow.DeclineTitle,
		"lead_flow.details_request":  s.LeadFlow.DetailsRequest,
		"lead_flow.decline_ack":      s.LeadFlow.DeclineAck,
		"lead_flow.details_received": s.LeadFlow.DetailsReceived,
	}
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			return errors.Errorf("language %s: %s is empty", s.Name, key)
		}
	}
	return nil
}

type document struct {
	Default   string    `yaml:"default"`
	Languages []Strings `yaml:"languages"`
}

// Bundle maps language tags to their policy strings. It is read-only once
// built and safe for concurrent use.
type Bundle struct {
	fallback string
	entries  map[string]Strings
	index    map[string]string
}

// Parse builds a bundle from a YAML document.
func Parse(data []byte) (*Bundle, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decode localization bundle")
	}
	if len(doc.Languages) == 0 {
		return nil, errors.New("localization bundle has no languages")
	}

	b := &Bundle{
		entries: make(map[string]Strings, len(doc.Languages)),
		index:   make(map[string]string),
	}
	for _, entry := range doc.Languages {
		if err := entry.validate(); err != nil {
			return nil, err
		}
		key := normalizeTag(entry.Name)
		if _, dup := b.entries[key]; dup {
			return nil, errors.Errorf("language %s defined twice", entry.Name)
		}
		b.entries[key] = entry
		b.index[key] = key
		for _, alias := range entry.Aliases {
			b.index[normalizeTag(alias)] = key
		}
	}

	fallback := normalizeTag(doc.Default)
	if fallback == "" {
		fallback = normalizeTag(doc.Languages[0].Name)
	}
	if _, ok := b.entries[fallback]; !ok {
		return nil, errors.Errorf("default language %q is not defined", doc.Default)
	}
	b.fallback = fallback
	return b, nil
}

// Default returns the bundle compiled into the binary.
func Default() *Bundle {
	b, err := Parse(defaultBundle)
	if err != nil {
		panic(err)
	}
	return b
}

// Load reads a bundle from path, or returns the built-in bundle when path is empty.
func Load(path string) (*Bundle, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read localization bundle %s", path)
	}
	return Parse(data)
}

// Lookup returns the strings for tag. The boolean reports whether the tag
// matched a language; unknown tags fall back to the default language.
func (b *Bundle) Lookup(tag string) (Strings, bool) {
	if key, ok := b.index[normalizeTag(tag)]; ok {
		return b.entries[key], true
	}
	return b.entries[b.fallback], false
}

// Resolve is Lookup without the match flag.
func (b *Bundle) Resolve(tag string) Strings {
	s, _ := b.Lookup(tag)
	return s
}

// DefaultLanguage returns the display name of the fallback language.
func (b *Bundle) DefaultLanguage() string {
	return b.entries[b.fallback].Name
}

// Languages lists the display names of all languages, sorted.
func (b *Bundle) Languages() []string {
	names := make([]string, 0, len(b.entries))
	for _, entry := range b.entries {
		names = append(names, entry.Name)
	}
	sort.Strings(names)
	return names
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
