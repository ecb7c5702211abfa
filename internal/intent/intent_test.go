package intent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/llm"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/prompts"
)

type chainReply struct {
	content  string
	provider string
	err      error
}

type fakeChain struct {
	replies []chainReply
	calls   int
}

func (f *fakeChain) Generate(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	idx := f.calls
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	f.calls++
	r := f.replies[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{Content: r.content, Provider: r.provider}, nil
}

func (f *fakeChain) Primary() string { return "anthropic" }

func testRules() []Rule {
	return []Rule{
		{Intent: "medical_emergency", Keywords: []string{"emergency", "urgent", "pain", "bleeding", "chest"}, Regex: `(?:can'?t|cannot) breathe`},
		{Intent: "appointment_modify", Keywords: []string{"reschedule", "cancel", "change", "move"}},
		{Intent: "appointment_booking", Keywords: []string{"book", "schedule", "appointment", "doctor", "clinic"}},
		{Intent: "pre_admission", Keywords: []string{"admission", "surgery", "procedure", "preparation"}},
		{Intent: "post_discharge", Keywords: []string{"discharge", "recovery", "follow-up", "medication"}},
	}
}

func testPrompts(t *testing.T) *prompts.Registry {
	t.Helper()
	dir := t.TempDir()
	body := "Intents: {{range .Intents}}{{.}} {{end}}\nHistory: {{.History}}\nMessage: {{.Message}}"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "intent_recognition.tmpl"), []byte(body), 0o644))
	reg, err := prompts.NewRegistry(dir, logger.Default())
	require.NoError(t, err)
	return reg
}

func newTestClassifier(t *testing.T, chain llm.Chain) *Classifier {
	t.Helper()
	c, err := NewClassifier(testRules(), chain, testPrompts(t), logger.Default())
	require.NoError(t, err)
	return c
}

func TestClassifyPatterns(t *testing.T) {
	chain := &fakeChain{replies: []chainReply{{content: "general_info", provider: "anthropic"}}}
	c := newTestClassifier(t, chain)

	tests := []struct {
		name    string
		message string
		intent  string
	}{
		{"booking", "I want to book an appointment with cardiology", "appointment_booking"},
		{"modify wins over booking", "please cancel my appointment tomorrow", "appointment_modify"},
		{"emergency wins over booking", "I have severe chest pain, please book a doctor", "medical_emergency"},
		{"emergency via regex", "help, my father can't breathe", "medical_emergency"},
		{"pre admission", "what should I bring for my surgery preparation", "pre_admission"},
		{"post discharge", "when is my follow-up after discharge", "post_discharge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(context.Background(), tt.message, "")
			assert.Equal(t, tt.intent, res.Intent)
			assert.Equal(t, SourcePattern, res.Source)
			assert.Equal(t, 1.0, res.Confidence)
		})
	}

	assert.Equal(t, 0, chain.calls, "pattern matches must not consult the LLM")
}

func TestClassifyWordBoundary(t *testing.T) {
	chain := &fakeChain{replies: []chainReply{{content: "general_info", provider: "anthropic"}}}
	c := newTestClassifier(t, chain)

	// "painting" must not trip the "pain" keyword.
	res := c.Classify(context.Background(), "who is painting the ward this week", "")
	assert.Equal(t, Default, res.Intent)
	assert.Equal(t, 1, chain.calls)
}

func TestClassifyLLMPrimary(t *testing.T) {
	chain := &fakeChain{replies: []chainReply{{content: "general_info", provider: "anthropic"}}}
	c := newTestClassifier(t, chain)

	res := c.Classify(context.Background(), "tell me about your visiting hours", "")
	assert.Equal(t, Default, res.Intent)
	assert.Equal(t, SourceLLMPrimary, res.Source)
	assert.Equal(t, 0.9, res.Confidence)
}

func TestClassifyLLMFallback(t *testing.T) {
	chain := &fakeChain{replies: []chainReply{{content: "pre_admission", provider: "gemini"}}}
	c := newTestClassifier(t, chain)

	res := c.Classify(context.Background(), "tell me about your facilities", "")
	assert.Equal(t, "pre_admission", res.Intent)
	assert.Equal(t, SourceLLMFallback, res.Source)
	assert.Equal(t, 0.7, res.Confidence)
}

func TestClassifyNormalizesAnswer(t *testing.T) {
	chain := &fakeChain{replies: []chainReply{{content: "  'Pre_Admission'.\n", provider: "anthropic"}}}
	c := newTestClassifier(t, chain)

	res := c.Classify(context.Background(), "tell me about your facilities", "")
	assert.Equal(t, "pre_admission", res.Intent)
}

func TestClassifyRetriesUnknownAnswer(t *testing.T) {
	chain := &fakeChain{replies: []chainReply{
		{content: "banana", provider: "anthropic"},
		{content: "post_discharge", provider: "anthropic"},
	}}
	c := newTestClassifier(t, chain)

	res := c.Classify(context.Background(), "tell me about your facilities", "")
	assert.Equal(t, "post_discharge", res.Intent)
	assert.Equal(t, 2, chain.calls)
}

func TestClassifyDefaults(t *testing.T) {
	t.Run("unknown answers", func(t *testing.T) {
		chain := &fakeChain{replies: []chainReply{{content: "banana", provider: "anthropic"}}}
		c := newTestClassifier(t, chain)

		res := c.Classify(context.Background(), "tell me about your facilities", "")
		assert.Equal(t, Default, res.Intent)
		assert.Equal(t, SourceDefault, res.Source)
		assert.Equal(t, 0.0, res.Confidence)
		assert.Equal(t, 2, chain.calls)
	})

	t.Run("chain error", func(t *testing.T) {
		chain := &fakeChain{replies: []chainReply{{err: errors.New("chain exhausted")}}}
		c := newTestClassifier(t, chain)

		res := c.Classify(context.Background(), "tell me about your facilities", "")
		assert.Equal(t, Default, res.Intent)
		assert.Equal(t, SourceDefault, res.Source)
	})
}

func TestLoadRules(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		body := "rules:\n  - intent: medical_emergency\n    keywords: [emergency]\n  - intent: appointment_booking\n    keywords: [book]\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

		rules, err := LoadRules(path)
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, "medical_emergency", rules[0].Intent)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRules(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("empty rules", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte("rules: []\n"), 0o644))
		_, err := LoadRules(path)
		assert.Error(t, err)
	})
}

func TestNewClassifierValidation(t *testing.T) {
	chain := &fakeChain{replies: []chainReply{{content: "general_info", provider: "anthropic"}}}

	t.Run("empty intent", func(t *testing.T) {
		_, err := NewClassifier([]Rule{{Keywords: []string{"x"}}}, chain, testPrompts(t), logger.Default())
		assert.Error(t, err)
	})

	t.Run("no keywords or regex", func(t *testing.T) {
		_, err := NewClassifier([]Rule{{Intent: "x"}}, chain, testPrompts(t), logger.Default())
		assert.Error(t, err)
	})

	t.Run("bad regex", func(t *testing.T) {
		_, err := NewClassifier([]Rule{{Intent: "x", Regex: "("}}, chain, testPrompts(t), logger.Default())
		assert.Error(t, err)
	})
}
