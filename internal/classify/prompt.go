package classify

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnparsableLabel = errors.New("response does not name any allowed label")

const systemPrompt = "You are a text classifier. Assign exactly one label from the allowed list to the text. " +
	"Reply with the label only, no explanation."

const guidelinePrompt = "Rewrite the labeling instructions below into a short, unambiguous guideline " +
	"for assigning one of the allowed labels to each text. Reply with the guideline only."

func itemPrompt(text string, labels []string, guideline string) string {
	var b strings.Builder
	if len(labels) > 0 {
		fmt.Fprintf(&b, "Allowed labels: %s\n", strings.Join(labels, ", "))
	} else {
		b.WriteString("Answer with one short lowercase label.\n")
	}
	if guideline != "" {
		fmt.Fprintf(&b, "Guideline: %s\n", guideline)
	}
	fmt.Fprintf(&b, "\nText:\n%s", text)
	return b.String()
}

func orchestratorPrompt(instructions string, labels []string) string {
	return fmt.Sprintf("Allowed labels: %s\n\nInstructions:\n%s", strings.Join(labels, ", "), instructions)
}

// ParseLabel maps a free-text model answer onto one of labels. An exact
// match on the first line wins; otherwise the label mentioned earliest in
// the answer is used. With no labels the cleaned first line is returned.
func ParseLabel(response string, labels []string) (string, error) {
	first := ""
	for _, line := range strings.Split(response, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			first = s
			break
		}
	}
	first = strings.TrimSpace(strings.TrimPrefix(strings.ToLower(first), "label:"))
	first = strings.Trim(first, " \t\"'`.*:;,!")
	if len(labels) == 0 {
		if first == "" {
			return "", ErrUnparsableLabel
		}
		return first, nil
	}

	for _, l := range labels {
		if strings.EqualFold(first, l) {
			return l, nil
		}
	}

	lower := strings.ToLower(response)
	best, bestPos := "", -1
	for _, l := range labels {
		pos := strings.Index(lower, strings.ToLower(l))
		if pos < 0 {
			continue
		}
		if bestPos < 0 || pos < bestPos || (pos == bestPos && len(l) > len(best)) {
			best, bestPos = l, pos
		}
	}
	if bestPos < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnparsableLabel, truncate(response, 80))
	}
	return best, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
