// Package scoring computes lead quality scores from the signals present
// on a lead and its linked person and organization.
package scoring

import (
	"strings"
	"time"

	"github.com/averos/crm-autopilot/internal/crm"
)

const recentLeadDays = 7

// ScoreLead returns a lead score in [0, 100]. Each signal contributes a
// fixed weight: person email 30, linked org 20, org domain 15, person
// phone 15, lead created within 7 days 10, any label 10.
func ScoreLead(lead crm.Lead, person *crm.Person, org *crm.Org, now time.Time) int {
	score := 0

	if hasPersonEmail(person) {
		score += 30
	}
	if org != nil {
		score += 20
	}
	if org != nil && org.DomainLike() != "" {
		score += 15
	}
	if createdWithin(lead.AddTime, recentLeadDays, now) {
		score += 10
	}
	if len(lead.LabelIDs) > 0 {
		score += 10
	}
	if hasPersonPhone(person) {
		score += 15
	}

	if score > 100 {
		score = 100
	}
	return score
}

func hasPersonEmail(p *crm.Person) bool {
	if p == nil {
		return false
	}
	for _, e := range p.Email {
		if strings.Contains(e.Value, "@") {
			return true
		}
	}
	return false
}

func hasPersonPhone(p *crm.Person) bool {
	if p == nil {
		return false
	}
	for _, ph := range p.Phone {
		if strings.TrimSpace(ph.Value) != "" {
			return true
		}
	}
	return false
}

func createdWithin(addTime string, days int, now time.Time) bool {
	created, ok := crm.ParseTime(addTime)
	if !ok {
		return false
	}
	return now.Sub(created) <= time.Duration(days)*24*time.Hour
}
