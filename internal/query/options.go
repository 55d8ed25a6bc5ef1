// Package query holds the user-facing knobs of a single ask: search mode,
// model preference, source focus and language, plus their compatibility rules.
package query

import (
	"fmt"
	"sort"
	"strings"

	"askbridge/internal/apierr"
)

// Mode is the search mode a query runs in.
type Mode string

const (
	ModeAuto         Mode = "auto"
	ModePro          Mode = "pro"
	ModeReasoning    Mode = "reasoning"
	ModeDeepResearch Mode = "deep_research"
)

// Model is a model preference. The empty Model lets the site choose.
type Model string

const (
	ModelBest           Model = "best"
	ModelSonar          Model = "sonar"
	ModelGPT5           Model = "gpt-5"
	ModelClaudeSonnet45 Model = "claude-sonnet-4.5"
	ModelGemini25Pro    Model = "gemini-2.5-pro"
	ModelGrok4          Model = "grok-4"
	ModelClaudeOpus41   Model = "claude-opus-4.1"
	ModelO3Pro          Model = "o3-pro"
	ModelGPT4o          Model = "gpt-4o"
	ModelGPT45          Model = "gpt-4.5"
	ModelClaude37Sonnet Model = "claude-3.7-sonnet"
)

const (
	DefaultLanguage        = "en-US"
	defaultModelPreference = "turbo"
)

// Source is a search focus.
type Source string

const (
	SourceWeb      Source = "web"
	SourceAcademic Source = "academic"
	SourceSocial   Source = "social"
	SourceFinance  Source = "finance"
)

var apiModes = map[Mode]string{
	ModeAuto:         "concise",
	ModePro:          "copilot",
	ModeReasoning:    "reasoning",
	ModeDeepResearch: "research",
}

var currentModels = []Model{
	ModelBest, ModelSonar, ModelGPT5, ModelClaudeSonnet45,
	ModelGemini25Pro, ModelGrok4, ModelClaudeOpus41, ModelO3Pro,
}

var legacyModels = map[Model]bool{
	ModelGPT4o:          true,
	ModelGPT45:          true,
	ModelClaude37Sonnet: true,
}

var compatibility = map[Mode][]Model{
	ModeAuto:         currentModels,
	ModePro:          currentModels,
	ModeReasoning:    {ModelClaudeSonnet45, ModelClaudeOpus41, ModelO3Pro},
	ModeDeepResearch: nil,
}

// Premium models need a max-tier account.
var premium = map[Model]bool{
	ModelClaudeOpus41: true,
	ModelO3Pro:        true,
}

var sourceAliases = map[string]Source{
	"web":      SourceWeb,
	"academic": SourceAcademic,
	"scholar":  SourceAcademic,
	"social":   SourceSocial,
	"reddit":   SourceSocial,
	"youtube":  SourceWeb,
	"finance":  SourceFinance,
}

// ParseMode accepts the mode names case-insensitively; "deep-research" is
// an alias.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if m == "" {
		return ModeAuto, nil
	}
	if _, ok := apiModes[m]; !ok {
		return "", apierr.Newf(apierr.KindInvalidParameter, "query.mode", "unknown mode %q (want one of %s)", s, strings.Join(Modes(), ", "))
	}
	return m, nil
}

// ParseModel accepts known current and legacy model names.
func ParseModel(s string) (Model, error) {
	m := Model(strings.ToLower(strings.TrimSpace(s)))
	if m == "" {
		return "", nil
	}
	for _, c := range currentModels {
		if c == m {
			return m, nil
		}
	}
	if legacyModels[m] {
		return m, nil
	}
	return "", apierr.Newf(apierr.KindInvalidParameter, "query.model", "unknown model %q", s)
}

// ParseSources splits a comma separated list, resolving aliases and dropping
// duplicates. An empty list means web.
func ParseSources(s string) ([]Source, error) {
	var out []Source
	seen := make(map[Source]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		src, ok := sourceAliases[part]
		if !ok {
			return nil, apierr.Newf(apierr.KindInvalidParameter, "query.sources", "unknown source %q", part)
		}
		if !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	}
	if len(out) == 0 {
		out = []Source{SourceWeb}
	}
	return out, nil
}

// Modes lists mode names in a stable order.
func Modes() []string {
	return []string{string(ModeAuto), string(ModePro), string(ModeReasoning), string(ModeDeepResearch)}
}

// Models lists current model names.
func Models() []string {
	out := make([]string, 0, len(currentModels))
	for _, m := range currentModels {
		out = append(out, string(m))
	}
	return out
}

// IsLegacy reports models the site no longer offers.
func (m Model) IsLegacy() bool { return legacyModels[m] }

// IsPremium reports models gated behind the max tier.
func (m Model) IsPremium() bool { return premium[m] }

// APIMode is the wire name of the mode.
func (m Mode) APIMode() string {
	if v, ok := apiModes[m]; ok {
		return v
	}
	return apiModes[ModeAuto]
}

// Compatible reports whether model may be used with mode. No model is always
// compatible.
func Compatible(mode Mode, model Model) bool {
	if model == "" {
		return true
	}
	for _, m := range compatibility[mode] {
		if m == model {
			return true
		}
	}
	return false
}

// CompatibleModels lists the models accepted by mode, sorted.
func CompatibleModels(mode Mode) []string {
	out := make([]string, 0, len(compatibility[mode]))
	for _, m := range compatibility[mode] {
		out = append(out, string(m))
	}
	sort.Strings(out)
	return out
}

// Options are the per-query knobs.
type Options struct {
	Mode     Mode
	Model    Model
	Sources  []Source
	Language string
}

// Defaults returns auto mode over the web in en-US.
func Defaults() Options {
	return Options{Mode: ModeAuto, Sources: []Source{SourceWeb}, Language: DefaultLanguage}
}

// Parse builds Options from user-facing strings and validates them.
func Parse(mode, model, sources, language string) (Options, error) {
	var o Options
	var err error
	if o.Mode, err = ParseMode(mode); err != nil {
		return o, err
	}
	if o.Model, err = ParseModel(model); err != nil {
		return o, err
	}
	if o.Sources, err = ParseSources(sources); err != nil {
		return o, err
	}
	o.Language = strings.TrimSpace(language)
	o = o.Normalize()
	return o, o.Validate()
}

// Normalize fills empty fields with defaults.
func (o Options) Normalize() Options {
	if o.Mode == "" {
		o.Mode = ModeAuto
	}
	if len(o.Sources) == 0 {
		o.Sources = []Source{SourceWeb}
	}
	if o.Language == "" {
		o.Language = DefaultLanguage
	}
	return o
}

// Validate fails fast, before any network call, on inconsistent options.
func (o Options) Validate() error {
	o = o.Normalize()
	if _, ok := apiModes[o.Mode]; !ok {
		return apierr.Newf(apierr.KindInvalidParameter, "query.validate", "unknown mode %q", o.Mode)
	}
	if !Compatible(o.Mode, o.Model) {
		allowed := CompatibleModels(o.Mode)
		hint := "no model selection"
		if len(allowed) > 0 {
			hint = strings.Join(allowed, ", ")
		}
		if o.Model.IsLegacy() {
			return apierr.Newf(apierr.KindInvalidParameter, "query.validate",
				"model %q is no longer offered; %s mode accepts %s", o.Model, o.Mode, hint)
		}
		return apierr.Newf(apierr.KindInvalidParameter, "query.validate",
			"model %q is not available in %s mode; accepted: %s", o.Model, o.Mode, hint)
	}
	for _, s := range o.Sources {
		if _, ok := sourceAliases[string(s)]; !ok {
			return apierr.Newf(apierr.KindInvalidParameter, "query.validate", "unknown source %q", s)
		}
	}
	return nil
}

// ModelPreference is the wire value for the model field.
func (o Options) ModelPreference() string {
	if o.Model == "" || o.Model == ModelBest {
		return defaultModelPreference
	}
	return string(o.Model)
}

// SourceNames returns the sources as wire strings.
func (o Options) SourceNames() []string {
	out := make([]string, 0, len(o.Sources))
	for _, s := range o.Normalize().Sources {
		out = append(out, string(s))
	}
	return out
}

func (o Options) String() string {
	o = o.Normalize()
	model := string(o.Model)
	if model == "" {
		model = "default"
	}
	return fmt.Sprintf("mode=%s model=%s sources=%s", o.Mode, model, strings.Join(o.SourceNames(), ","))
}
