// Package intent classifies user messages with an ordered pattern pass
// followed by an LLM pass over a closed intent vocabulary.
package intent

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/llm"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/prompts"
)

// Well-known intents.
const (
	Default   = "general_info"
	Emergency = "medical_emergency"
)

// Classification sources.
const (
	SourcePattern     = "pattern"
	SourceLLMPrimary  = "llm_primary"
	SourceLLMFallback = "llm_fallback"
	SourceDefault     = "default"
)

// Confidence per source. Pattern matches are deterministic, LLM answers
// carry model uncertainty, and the default expresses no signal at all.
const (
	confidencePattern     = 1.0
	confidenceLLMPrimary  = 0.9
	confidenceLLMFallback = 0.7
	confidenceDefault     = 0.0
)

const classifierSystemPrompt = "You are an intent classifier for a healthcare chatbot. " +
	"Respond with only the intent name, e.g., 'appointment_booking', 'general_info', 'medical_emergency'."

// Result is a classification outcome.
type Result struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Rule is one entry of the ordered pattern table. A rule fires when any
// keyword matches on a word boundary or the regex matches; earlier rules
// win ties.
type Rule struct {
	Intent   string   `yaml:"intent"`
	Keywords []string `yaml:"keywords"`
	Regex    string   `yaml:"regex,omitempty"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads the ordered rule list from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("intent: read rules: %w", err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("intent: parse rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("intent: no rules in %s", path)
	}
	return f.Rules, nil
}

type compiledRule struct {
	intent   string
	keywords []*regexp.Regexp
	regex    *regexp.Regexp
}

// Classifier runs the pattern and LLM passes. It never returns an
// error: when nothing matches and the LLM cannot help, the result is
// the general_info default.
type Classifier struct {
	rules   []compiledRule
	valid   map[string]struct{}
	intents []string
	chain   llm.Chain
	prompts *prompts.Registry
	logger  *logger.Logger
}

// NewClassifier compiles the rule table. The closed vocabulary for the
// LLM pass is the set of rule intents plus the general_info default.
func NewClassifier(rules []Rule, chain llm.Chain, pr *prompts.Registry, log *logger.Logger) (*Classifier, error) {
	c := &Classifier{
		chain:   chain,
		prompts: pr,
		logger:  log,
		valid:   map[string]struct{}{Default: {}},
	}

	for _, r := range rules {
		if r.Intent == "" {
			return nil, fmt.Errorf("intent: rule with empty intent")
		}
		if len(r.Keywords) == 0 && r.Regex == "" {
			return nil, fmt.Errorf("intent: rule %q has no keywords and no regex", r.Intent)
		}

		cr := compiledRule{intent: r.Intent}
		for _, kw := range r.Keywords {
			re, err := regexp.Compile(`\b` + regexp.QuoteMeta(strings.ToLower(kw)) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("intent: rule %q keyword %q: %w", r.Intent, kw, err)
			}
			cr.keywords = append(cr.keywords, re)
		}
		if r.Regex != "" {
			re, err := regexp.Compile(r.Regex)
			if err != nil {
				return nil, fmt.Errorf("intent: rule %q regex: %w", r.Intent, err)
			}
			cr.regex = re
		}

		c.rules = append(c.rules, cr)
		if _, seen := c.valid[r.Intent]; !seen {
			c.valid[r.Intent] = struct{}{}
			c.intents = append(c.intents, r.Intent)
		}
	}
	c.intents = append(c.intents, Default)

	return c, nil
}

// Classify runs the pattern pass, then the LLM pass, then the default.
// history is the recent conversation pre-formatted as "role: content"
// lines; it gives the model context for elliptical messages.
func (c *Classifier) Classify(ctx context.Context, message, history string) Result {
	if intent, ok := c.matchPattern(message); ok {
		c.logger.Info("intent classified via patterns",
			zap.String("intent", intent),
			zap.String("message_preview", preview(message)))
		return Result{Intent: intent, Confidence: confidencePattern, Source: SourcePattern}
	}

	// An emergency must come out of the deterministic pass; past this
	// point the classifier consults the model.
	c.logger.Debug("no pattern match, falling back to LLM",
		zap.String("message_preview", preview(message)))

	rendered, err := c.prompts.Render(prompts.IntentRecognition, map[string]any{
		"Message": message,
		"History": history,
		"Intents": c.intents,
	})
	if err != nil {
		c.logger.WithError(err).Error("intent prompt render failed, using default")
		return Result{Intent: Default, Confidence: confidenceDefault, Source: SourceDefault}
	}

	req := &llm.Request{
		Prompt:       rendered,
		SystemPrompt: classifierSystemPrompt,
		MaxTokens:    50,
		Temperature:  0.1,
	}

	// One retry when the model answers outside the vocabulary; provider
	// failures inside the chain already advance to the fallback.
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.chain.Generate(ctx, req)
		if err != nil {
			c.logger.WithError(err).Warn("LLM intent classification failed, using default")
			break
		}

		intent := normalize(resp.Content)
		if _, ok := c.valid[intent]; ok {
			source := SourceLLMPrimary
			confidence := confidenceLLMPrimary
			if resp.Provider != c.chain.Primary() {
				source = SourceLLMFallback
				confidence = confidenceLLMFallback
			}
			c.logger.Info("intent classified via LLM",
				zap.String("intent", intent),
				zap.String("provider", resp.Provider),
				zap.String("message_preview", preview(message)))
			return Result{Intent: intent, Confidence: confidence, Source: source}
		}

		c.logger.Warn("LLM returned unknown intent",
			zap.String("raw", intent),
			zap.Int("attempt", attempt+1))
	}

	return Result{Intent: Default, Confidence: confidenceDefault, Source: SourceDefault}
}

func (c *Classifier) matchPattern(message string) (string, bool) {
	lowered := strings.ToLower(message)
	for _, r := range c.rules {
		for _, kw := range r.keywords {
			if kw.MatchString(lowered) {
				return r.intent, true
			}
		}
		if r.regex != nil && r.regex.MatchString(lowered) {
			return r.intent, true
		}
	}
	return "", false
}

// normalize reduces a model answer to a vocabulary candidate: first
// field, lowercased, punctuation and quotes stripped from both ends.
func normalize(s string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimFunc(fields[0], func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_'
	})
}

func preview(message string) string {
	if len(message) > 50 {
		return message[:50]
	}
	return message
}
