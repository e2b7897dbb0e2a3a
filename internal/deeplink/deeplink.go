// Package deeplink builds CRM web-app URLs for deals, leads, and
// activities so that notes and audit records can point straight at the
// affected entity.
package deeplink

import (
	"fmt"
	"strings"
)

const defaultBase = "https://app.pipedrive.com"

// EntityType enumerates the linkable entity kinds.
type EntityType string

// Linkable entity kinds.
const (
	EntityDeal     EntityType = "deal"
	EntityLead     EntityType = "lead"
	EntityActivity EntityType = "activity"
)

// normalizeBase resolves the deep-link base URL from a company domain.
// A bare domain becomes https://<domain>.pipedrive.com, a full URL is
// taken as-is, and an empty value falls back to the shared app host.
func normalizeBase(companyDomain string) string {
	v := strings.TrimSpace(companyDomain)
	if v == "" {
		return defaultBase
	}
	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		return strings.TrimSuffix(v, "/")
	}
	return "https://" + v + ".pipedrive.com"
}

// Path returns the web-app path for one entity. userID scopes activity
// links and defaults to "me" when empty.
func Path(entity EntityType, entityID, userID string) string {
	switch entity {
	case EntityDeal:
		return "/deal/" + entityID
	case EntityLead:
		return "/leads/inbox/" + entityID
	default:
		if userID == "" {
			userID = "me"
		}
		return fmt.Sprintf("/activities/list/user/%s/%s", userID, entityID)
	}
}

// URL returns the absolute web-app URL for one entity.
func URL(entity EntityType, entityID, companyDomain, userID string) string {
	return normalizeBase(companyDomain) + Path(entity, entityID, userID)
}
