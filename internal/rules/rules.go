// Package rules maps a lifecycle event to the ordered set of notifications
// it should produce. Expansion is a pure function of (category, anchor,
// subject); all persistence and timing policy lives with the caller.
package rules

import (
	"errors"
	"strings"
	"time"
)

// Category selects one of the fixed rule tables.
type Category string

const (
	Onboarding  Category = "onboarding"
	Offboarding Category = "offboarding"
)

var ErrUnknownCategory = errors.New("unknown rule category")

func ParseCategory(s string) (Category, error) {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case Onboarding:
		return Onboarding, nil
	case Offboarding:
		return Offboarding, nil
	}
	return "", ErrUnknownCategory
}

// TaskSpec is one expanded rule: a day offset relative to the anchor date
// (negative = before, zero = same day, positive = after) and the message
// with the subject placeholder already substituted.
//
// Offset-zero specs are the caller's "fire immediately, do not persist"
// case; the engine itself makes no distinction.
type TaskSpec struct {
	RuleID          string
	OffsetDays      int
	MessageTemplate string
	Assignee        string
}

// DueAt resolves the spec's absolute fire time against an anchor date.
func (s TaskSpec) DueAt(anchor time.Time) time.Time {
	return anchor.AddDate(0, 0, s.OffsetDays)
}

// Immediate reports whether the spec is a same-day send.
func (s TaskSpec) Immediate() bool { return s.OffsetDays == 0 }

type rule struct {
	id       string
	offset   int
	template string
	assignee string
}

const placeholder = "{subject}"

var onboardingRules = []rule{
	{id: "onboarding.welcome_packet", offset: -7, template: "Send the welcome packet to {subject}", assignee: "people-ops"},
	{id: "onboarding.equipment", offset: -3, template: "Order laptop and badge for {subject}", assignee: "it-helpdesk"},
	{id: "onboarding.first_day", offset: 0, template: "{subject} starts today; walk them through day-one setup"},
	{id: "onboarding.benefits", offset: 7, template: "Remind {subject} to finish benefits enrollment", assignee: "people-ops"},
	{id: "onboarding.checkin_30d", offset: 30, template: "Schedule the 30-day check-in with {subject}"},
	{id: "onboarding.review_90d", offset: 90, template: "Run the 90-day review for {subject}"},
}

var offboardingRules = []rule{
	{id: "offboarding.transition_plan", offset: -14, template: "Draft a transition plan for {subject}"},
	{id: "offboarding.access_review", offset: -7, template: "Review system access scheduled for removal for {subject}", assignee: "it-helpdesk"},
	{id: "offboarding.last_day", offset: 0, template: "{subject} leaves today; collect badge and equipment"},
	{id: "offboarding.final_payroll", offset: 3, template: "Confirm final payroll run for {subject}", assignee: "people-ops"},
	{id: "offboarding.alumni_survey", offset: 30, template: "Send the alumni survey to {subject}"},
}

// Expand produces the ordered TaskSpec sequence for one lifecycle event.
// It is deterministic and side-effect free; calling it twice with the same
// inputs yields identical sequences.
func Expand(category Category, subjectName string) ([]TaskSpec, error) {
	var table []rule
	switch category {
	case Onboarding:
		table = onboardingRules
	case Offboarding:
		table = offboardingRules
	default:
		return nil, ErrUnknownCategory
	}

	specs := make([]TaskSpec, 0, len(table))
	for _, r := range table {
		specs = append(specs, TaskSpec{
			RuleID:          r.id,
			OffsetDays:      r.offset,
			MessageTemplate: strings.ReplaceAll(r.template, placeholder, subjectName),
			Assignee:        r.assignee,
		})
	}
	return specs, nil
}
