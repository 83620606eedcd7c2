// Package audience expands a campaign's recipient filter into recipients.
package audience

import (
	"context"
	"fmt"
	"strings"

	"github.com/Cypherspark/campaign-dispatcher/internal/core"
)

// Source lists candidate recipients for a filter. It may return more than
// the filter matches; Select narrows the result.
type Source interface {
	ListRecipients(ctx context.Context, filter []string) ([]core.Recipient, error)
}

// Select returns every recipient matched by the campaign filter. Delivery
// window feasibility is not considered here.
func Select(ctx context.Context, src Source, c *core.Campaign) ([]core.Recipient, error) {
	candidates, err := src.ListRecipients(ctx, c.RecipientFilter)
	if err != nil {
		return nil, fmt.Errorf("select recipients: %w", err)
	}
	out := candidates[:0]
	for _, r := range candidates {
		if Matches(c.RecipientFilter, &r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Matches reports whether r is selected by filter. An empty filter matches
// everyone; otherwise any filter tag equal to the derived code or to one of
// the recipient tags is enough.
func Matches(filter []string, r *core.Recipient) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == r.DerivedCode {
			return true
		}
		for _, t := range r.Tags {
			if f == t {
				return true
			}
		}
	}
	return false
}

// ParseFilter splits a comma separated filter such as "999, Tag".
func ParseFilter(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
