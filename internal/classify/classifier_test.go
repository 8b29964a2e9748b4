package classify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fedutinova/smartlabel/internal/common"
	"github.com/fedutinova/smartlabel/internal/job"
	"github.com/fedutinova/smartlabel/internal/keypool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedLLM struct {
	answer  func(p keypool.Prompt) (string, error)
	prompts []keypool.Prompt
}

func (s *scriptedLLM) Complete(ctx context.Context, p keypool.Prompt) (*keypool.Completion, error) {
	s.prompts = append(s.prompts, p)
	text, err := s.answer(p)
	if err != nil {
		return nil, err
	}
	return &keypool.Completion{Text: text, Provider: p.Provider, Model: "m-" + string(p.Provider)}, nil
}

func TestSingle_Greeting(t *testing.T) {
	llm := &scriptedLLM{answer: func(keypool.Prompt) (string, error) { return "greeting", nil }}
	c := New(llm, keypool.ProviderA)

	res, err := c.Single(context.Background(), job.SinglePayload{
		TextContent: "hello",
		Labels:      []string{"greeting", "farewell"},
	})
	require.NoError(t, err)
	assert.Equal(t, "greeting", res.Label)
	assert.Equal(t, "provider_a", res.Provider)
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0].Text, "hello")
	assert.Contains(t, llm.prompts[0].Text, "greeting, farewell")
}

func TestSingle_ProviderAndModel(t *testing.T) {
	llm := &scriptedLLM{answer: func(keypool.Prompt) (string, error) { return "spam", nil }}
	c := New(llm, "")

	_, err := c.Single(context.Background(), job.SinglePayload{
		TextContent: "buy now",
		Labels:      []string{"spam", "ham"},
		Provider:    "provider_c",
		Models:      job.ModelSelection{Item: "small"},
	})
	require.NoError(t, err)
	assert.Equal(t, keypool.ProviderC, llm.prompts[0].Provider)
	assert.Equal(t, "small", llm.prompts[0].Model)

	_, err = c.Single(context.Background(), job.SinglePayload{TextContent: "x", Labels: []string{"a"}, Provider: "nope"})
	assert.Error(t, err)
}

func TestSingle_ProviderFailure(t *testing.T) {
	llm := &scriptedLLM{answer: func(keypool.Prompt) (string, error) { return "", common.ErrAllProvidersExhausted }}
	_, err := New(llm, "").Single(context.Background(), job.SinglePayload{TextContent: "x", Labels: []string{"a"}})
	assert.True(t, common.IsExhausted(err))
}

func TestBatch_OrderPreservingWithGuideline(t *testing.T) {
	llm := &scriptedLLM{answer: func(p keypool.Prompt) (string, error) {
		if p.System == guidelinePrompt {
			return "positive if praise", nil
		}
		if strings.Contains(p.Text, "love") {
			return "Positive", nil
		}
		return "label: negative.", nil
	}}
	c := New(llm, keypool.ProviderB)

	var seen []int
	res, err := c.Batch(context.Background(), job.BatchPayload{
		Items:        []string{"I love it", "awful", "love love"},
		Labels:       []string{"positive", "negative"},
		Instructions: "classify sentiment",
		Models:       job.ModelSelection{Orchestrator: "big", Item: "small"},
	}, func(done, total int) bool {
		assert.Equal(t, 3, total)
		seen = append(seen, done)
		return true
	})
	require.NoError(t, err)

	require.Len(t, res.Labels, 3)
	assert.Equal(t, []string{"positive", "negative", "positive"},
		[]string{res.Labels[0].Label, res.Labels[1].Label, res.Labels[2].Label})
	for i, l := range res.Labels {
		assert.Equal(t, i, l.Index)
	}
	assert.Equal(t, "positive if praise", res.Guideline)
	assert.Equal(t, []int{1, 2, 3}, seen)

	require.Len(t, llm.prompts, 4)
	assert.Equal(t, "big", llm.prompts[0].Model)
	assert.Equal(t, "small", llm.prompts[1].Model)
	assert.Contains(t, llm.prompts[1].Text, "positive if praise")
}

func TestBatch_GuidelineFailureFallsBack(t *testing.T) {
	llm := &scriptedLLM{answer: func(p keypool.Prompt) (string, error) {
		if p.System == guidelinePrompt {
			return "", errors.New("orchestrator down")
		}
		return "a", nil
	}}
	res, err := New(llm, "").Batch(context.Background(), job.BatchPayload{
		Items:        []string{"1", "2"},
		Labels:       []string{"a", "b"},
		Instructions: "raw rules",
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Guideline)
	assert.Contains(t, llm.prompts[1].Text, "raw rules")
}

func TestBatch_StopsWhenProgressSaysSo(t *testing.T) {
	llm := &scriptedLLM{answer: func(keypool.Prompt) (string, error) { return "a", nil }}
	_, err := New(llm, "").Batch(context.Background(), job.BatchPayload{
		Items:  []string{"1", "2", "3"},
		Labels: []string{"a"},
	}, func(done, total int) bool { return done < 1 })

	assert.ErrorIs(t, err, common.ErrJobCancelled)
	assert.Len(t, llm.prompts, 1)
}

func TestParseLabel(t *testing.T) {
	labels := []string{"greeting", "farewell", "question"}
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"greeting", "greeting", false},
		{"  Greeting.\n", "greeting", false},
		{"\"farewell\"", "farewell", false},
		{"Label: question", "question", false},
		{"This is most likely a farewell, not a greeting", "farewell", false},
		{"no idea", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLabel(tt.in, labels)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnparsableLabel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSingle_OpenLabelSet(t *testing.T) {
	llm := &scriptedLLM{answer: func(keypool.Prompt) (string, error) { return "Greeting\n", nil }}
	res, err := New(llm, "").Single(context.Background(), job.SinglePayload{TextContent: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "greeting", res.Label)
	assert.NotContains(t, llm.prompts[0].Text, "Allowed labels")
}
