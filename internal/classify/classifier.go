// Package classify turns classification payloads into key-pool completion
// requests and parses the answers back into labels.
package classify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fedutinova/smartlabel/internal/common"
	"github.com/fedutinova/smartlabel/internal/job"
	"github.com/fedutinova/smartlabel/internal/keypool"
)

// Completer is the part of the key-pool client the classifier needs.
type Completer interface {
	Complete(ctx context.Context, p keypool.Prompt) (*keypool.Completion, error)
}

// Progress is called after each batch item. Returning false stops the
// batch with common.ErrJobCancelled.
type Progress func(done, total int) bool

type Classifier struct {
	llm             Completer
	defaultProvider keypool.Provider
}

func New(llm Completer, defaultProvider keypool.Provider) *Classifier {
	if defaultProvider == "" {
		defaultProvider = keypool.ProviderA
	}
	return &Classifier{llm: llm, defaultProvider: defaultProvider}
}

func (c *Classifier) provider(name string) (keypool.Provider, error) {
	if name == "" {
		return c.defaultProvider, nil
	}
	return keypool.ParseProvider(name)
}

// Single labels one text.
func (c *Classifier) Single(ctx context.Context, p job.SinglePayload) (*job.SingleResult, error) {
	provider, err := c.provider(p.Provider)
	if err != nil {
		return nil, err
	}

	res, err := c.llm.Complete(ctx, keypool.Prompt{
		Provider: provider,
		Model:    p.Models.Item,
		System:   systemPrompt,
		Text:     itemPrompt(p.TextContent, p.Labels, p.Instructions),
	})
	if err != nil {
		return nil, fmt.Errorf("classification request failed: %w", err)
	}

	label, err := ParseLabel(res.Text, p.Labels)
	if err != nil {
		return nil, err
	}
	return &job.SingleResult{
		Label:    label,
		Raw:      res.Text,
		Model:    res.Model,
		Provider: string(res.Provider),
	}, nil
}

// Batch labels every item in order, one completion per item. When there
// are instructions and more than one item the orchestrator model first
// condenses them into a guideline shared by all item calls.
func (c *Classifier) Batch(ctx context.Context, p job.BatchPayload, progress Progress) (*job.BatchResult, error) {
	provider, err := c.provider(p.Provider)
	if err != nil {
		return nil, err
	}

	out := &job.BatchResult{Labels: make([]job.ItemLabel, 0, len(p.Items))}
	guideline := p.Instructions
	if p.Instructions != "" && len(p.Items) > 1 {
		res, err := c.llm.Complete(ctx, keypool.Prompt{
			Provider: provider,
			Model:    p.Models.Orchestrator,
			System:   guidelinePrompt,
			Text:     orchestratorPrompt(p.Instructions, p.Labels),
		})
		switch {
		case err == nil && res.Text != "":
			guideline = res.Text
			out.Guideline = res.Text
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			slog.Warn("guideline request failed, using raw instructions", "error", err)
		}
	}

	for i, text := range p.Items {
		res, err := c.llm.Complete(ctx, keypool.Prompt{
			Provider: provider,
			Model:    p.Models.Item,
			System:   systemPrompt,
			Text:     itemPrompt(text, p.Labels, guideline),
		})
		if err != nil {
			return nil, fmt.Errorf("classification of item %d failed: %w", i, err)
		}
		label, err := ParseLabel(res.Text, p.Labels)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out.Labels = append(out.Labels, job.ItemLabel{Index: i, Text: text, Label: label})
		out.Model = res.Model

		if progress != nil && !progress(i+1, len(p.Items)) {
			return nil, common.ErrJobCancelled
		}
	}
	return out, nil
}
