// Package risk attaches deterministic risk flags to candidate plans. No
// model involvement: same input, same output, so every flag is auditable
// and unit-testable.
package risk

import (
	"sort"
	"strings"

	"mailpilot/internal/domain"
)

// Candidate is the write surface of a proposed plan.
type Candidate struct {
	To                 []string
	CC                 []string
	Subject            string
	Body               string
	ForwardsAttachment bool
}

// Policy holds the configured constants the rules consult.
type Policy struct {
	UserDomain              string
	MoneyLegalKeywords      []string
	LargeRecipientThreshold int
}

// Classify returns the sorted set of risk flags for a candidate given the
// mission's known participants.
func Classify(c Candidate, participants []domain.Participant, p Policy) []string {
	known := map[string]bool{}
	for _, part := range participants {
		known[normalize(part.Email)] = true
	}
	flags := map[string]bool{}
	recipients := distinctRecipients(c.To, c.CC)
	for _, addr := range recipients {
		if !known[addr] {
			flags[domain.RiskNewRecipient] = true
		}
		if dom := addrDomain(addr); dom != "" && p.UserDomain != "" && dom != strings.ToLower(p.UserDomain) {
			flags[domain.RiskExternalDomain] = true
		}
	}
	if containsKeyword(c.Subject+" "+c.Body, p.MoneyLegalKeywords) {
		flags[domain.RiskMoneyLegal] = true
	}
	if c.ForwardsAttachment {
		flags[domain.RiskAttachmentForward] = true
	}
	if p.LargeRecipientThreshold > 0 && len(recipients) > p.LargeRecipientThreshold {
		flags[domain.RiskLargeRecipientList] = true
	}
	out := make([]string, 0, len(flags))
	for f := range flags {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// FromCard derives a Candidate from a plan card's previews and actions.
func FromCard(card domain.PlanCard) Candidate {
	var c Candidate
	if d := card.DraftPreview; d != nil {
		c.To = append(c.To, d.To...)
		c.CC = append(c.CC, d.CC...)
		c.Subject = d.Subject
		c.Body = d.Body
	}
	if inv := card.InvitePreview; inv != nil {
		c.To = append(c.To, inv.Attendees...)
		if c.Subject == "" {
			c.Subject = inv.Title
		}
	}
	for _, a := range card.Actions {
		if strings.Contains(strings.ToLower(a.Description), "forward") &&
			strings.Contains(strings.ToLower(a.Description), "attachment") {
			c.ForwardsAttachment = true
		}
	}
	return c
}

func distinctRecipients(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range lists {
		for _, addr := range list {
			n := normalize(addr)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func containsKeyword(text string, keywords []string) bool {
	lowered := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func addrDomain(addr string) string {
	_, dom, ok := strings.Cut(addr, "@")
	if !ok {
		return ""
	}
	return strings.ToLower(dom)
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
