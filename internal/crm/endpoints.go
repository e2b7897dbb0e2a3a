package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/averos/crm-autopilot/internal/hashutil"
)

// ActivityInput is the payload for creating a follow-up task.
type ActivityInput struct {
	Subject string  `json:"subject"`
	Type    string  `json:"type,omitempty"`
	DueDate string  `json:"due_date,omitempty"`
	DueTime string  `json:"due_time,omitempty"`
	DealID  *int    `json:"deal_id,omitempty"`
	LeadID  *string `json:"lead_id,omitempty"`
	Note    string  `json:"note,omitempty"`
}

// NoteInput is the payload for creating a note.
type NoteInput struct {
	Content string  `json:"content"`
	DealID  *int    `json:"deal_id,omitempty"`
	LeadID  *string `json:"lead_id,omitempty"`
}

// Webhook is one registered CRM webhook subscription.
type Webhook struct {
	ID              int    `json:"id"`
	SubscriptionURL string `json:"subscription_url,omitempty"`
	EventAction     string `json:"event_action,omitempty"`
	EventObject     string `json:"event_object,omitempty"`
}

// WebhookInput is the payload for registering a webhook subscription.
type WebhookInput struct {
	SubscriptionURL string `json:"subscription_url"`
	EventAction     string `json:"event_action"`
	EventObject     string `json:"event_object"`
}

// GetDeal fetches a single deal.
func (c *Client) GetDeal(ctx context.Context, id int) (Deal, error) {
	return get[Deal](ctx, c, fmt.Sprintf("/v1/deals/%d", id), nil)
}

// ListOpenDealsInPipeline drains the open deals of one pipeline via the
// cursor-paginated collection endpoint. A non-positive pipeline id
// lists open deals across all pipelines.
func (c *Client) ListOpenDealsInPipeline(ctx context.Context, pipelineID int) ([]Deal, error) {
	q := Query{"status": "open", "limit": 100}
	if pipelineID > 0 {
		q["pipeline_id"] = pipelineID
	}
	return listCursor[Deal](ctx, c, "/v2/deals", q)
}

// UpdateDeal applies a partial update to a deal.
func (c *Client) UpdateDeal(ctx context.Context, id int, fields map[string]any) (Deal, error) {
	env, err := c.Do(ctx, http.MethodPut, fmt.Sprintf("/v1/deals/%d", id), nil, fields)
	if err != nil {
		return Deal{}, err
	}
	return decodeData[Deal](env, "deal")
}

// GetLead fetches a single lead.
func (c *Client) GetLead(ctx context.Context, id string) (Lead, error) {
	return get[Lead](ctx, c, "/v1/leads/"+id, nil)
}

// ListLeads drains all leads via the offset-paginated endpoint.
func (c *Client) ListLeads(ctx context.Context) ([]Lead, error) {
	return listOffset[Lead](ctx, c, "/v1/leads", nil, 0)
}

// UpdateLead applies a partial update to a lead.
func (c *Client) UpdateLead(ctx context.Context, id string, fields map[string]any) (Lead, error) {
	env, err := c.Do(ctx, http.MethodPatch, "/v1/leads/"+id, nil, fields)
	if err != nil {
		return Lead{}, err
	}
	return decodeData[Lead](env, "lead")
}

// ConvertLeadToDeal promotes a lead into a deal. Accounts differ on
// which convert route they expose, so the call walks the candidates.
func (c *Client) ConvertLeadToDeal(ctx context.Context, id string) (Deal, error) {
	env, err := c.requestFirstSupported(ctx, http.MethodPost, []string{
		"/v2/leads/" + id + "/convert",
		"/v2/leads/" + id + "/convert/deal",
	}, nil, nil)
	if err != nil {
		return Deal{}, err
	}
	return decodeData[Deal](env, "lead conversion")
}

// GetPerson fetches a single person.
func (c *Client) GetPerson(ctx context.Context, id int) (Person, error) {
	return get[Person](ctx, c, fmt.Sprintf("/v1/persons/%d", id), nil)
}

// SearchPersons searches persons by name and email address.
func (c *Client) SearchPersons(ctx context.Context, term string) ([]Person, error) {
	env, err := c.Do(ctx, http.MethodGet, "/v1/persons/search", Query{
		"term":   term,
		"fields": "name,email",
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Person](env, "person search")
}

// UpdatePerson applies a partial update to a person.
func (c *Client) UpdatePerson(ctx context.Context, id int, fields map[string]any) (Person, error) {
	env, err := c.Do(ctx, http.MethodPut, fmt.Sprintf("/v1/persons/%d", id), nil, fields)
	if err != nil {
		return Person{}, err
	}
	return decodeData[Person](env, "person")
}

// GetOrg fetches a single organization.
func (c *Client) GetOrg(ctx context.Context, id int) (Org, error) {
	return get[Org](ctx, c, fmt.Sprintf("/v1/organizations/%d", id), nil)
}

// SearchOrgs searches organizations by name.
func (c *Client) SearchOrgs(ctx context.Context, term string) ([]Org, error) {
	env, err := c.Do(ctx, http.MethodGet, "/v1/organizations/search", Query{
		"term":   term,
		"fields": "name",
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Org](env, "org search")
}

// UpdateOrg applies a partial update to an organization.
func (c *Client) UpdateOrg(ctx context.Context, id int, fields map[string]any) (Org, error) {
	env, err := c.Do(ctx, http.MethodPut, fmt.Sprintf("/v1/organizations/%d", id), nil, fields)
	if err != nil {
		return Org{}, err
	}
	return decodeData[Org](env, "org")
}

// CreateActivity creates a follow-up task.
func (c *Client) CreateActivity(ctx context.Context, in ActivityInput) (Activity, error) {
	env, err := c.Do(ctx, http.MethodPost, "/v1/activities", nil, in)
	if err != nil {
		return Activity{}, err
	}
	return decodeData[Activity](env, "activity")
}

// CreateNote creates a note on a deal or lead.
func (c *Client) CreateNote(ctx context.Context, in NoteInput) (Note, error) {
	env, err := c.Do(ctx, http.MethodPost, "/v1/notes", nil, in)
	if err != nil {
		return Note{}, err
	}
	return decodeData[Note](env, "note")
}

// ListDealActivities drains all activities attached to a deal.
func (c *Client) ListDealActivities(ctx context.Context, dealID int) ([]Activity, error) {
	return listOffset[Activity](ctx, c, fmt.Sprintf("/v1/deals/%d/activities", dealID), nil, 0)
}

// ListLeadActivities fetches activities attached to a lead. Not every
// account exposes the nested lead route, so a 404 falls back to the
// flat activities listing filtered by lead id.
func (c *Client) ListLeadActivities(ctx context.Context, leadID string) ([]Activity, error) {
	env, err := c.requestFirstSupported(ctx, http.MethodGet, []string{
		"/v1/leads/" + leadID + "/activities",
		"/v1/activities",
	}, Query{"lead_id": leadID}, nil)
	if err != nil {
		return nil, err
	}
	var out []Activity
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &out); err != nil {
			return nil, fmt.Errorf("decode lead activities: %w", err)
		}
	}
	return out, nil
}

// ListDealNotes fetches the newest notes on a deal, bounded by limit.
func (c *Client) ListDealNotes(ctx context.Context, dealID, limit int) ([]Note, error) {
	return listOffset[Note](ctx, c, "/v1/notes", Query{
		"deal_id": dealID,
		"sort":    "add_time DESC",
	}, limit)
}

// ListLeadNotes fetches the newest notes on a lead, bounded by limit.
func (c *Client) ListLeadNotes(ctx context.Context, leadID string, limit int) ([]Note, error) {
	return listOffset[Note](ctx, c, "/v1/notes", Query{
		"lead_id": leadID,
		"sort":    "add_time DESC",
	}, limit)
}

// ListPersonOpenDeals drains the open deals linked to a person.
func (c *Client) ListPersonOpenDeals(ctx context.Context, personID int) ([]Deal, error) {
	return listOffset[Deal](ctx, c, fmt.Sprintf("/v1/persons/%d/deals", personID), Query{"status": "open"}, 0)
}

// ListOrgOpenDeals drains the open deals linked to an organization.
func (c *Client) ListOrgOpenDeals(ctx context.Context, orgID int) ([]Deal, error) {
	return listOffset[Deal](ctx, c, fmt.Sprintf("/v1/organizations/%d/deals", orgID), Query{"status": "open"}, 0)
}

// ListPersonActivities drains the activities linked to a person.
func (c *Client) ListPersonActivities(ctx context.Context, personID int) ([]Activity, error) {
	return listOffset[Activity](ctx, c, fmt.Sprintf("/v1/persons/%d/activities", personID), nil, 0)
}

// ListOrgActivities drains the activities linked to an organization.
func (c *Client) ListOrgActivities(ctx context.Context, orgID int) ([]Activity, error) {
	return listOffset[Activity](ctx, c, fmt.Sprintf("/v1/organizations/%d/activities", orgID), nil, 0)
}

// MergePersons merges the source person into the target person. The
// merge route moved between API generations, so the call walks both
// shapes.
func (c *Client) MergePersons(ctx context.Context, sourceID, targetID int) (Person, error) {
	env, err := c.requestFirstSupported(ctx, http.MethodPost, []string{
		fmt.Sprintf("/v1/persons/%d/merge", sourceID),
		fmt.Sprintf("/v1/persons/%d/merge/%d", sourceID, targetID),
	}, nil, map[string]any{"merge_with_id": targetID})
	if err != nil {
		return Person{}, err
	}
	return decodeData[Person](env, "person merge")
}

// MergeOrgs merges the source organization into the target organization.
func (c *Client) MergeOrgs(ctx context.Context, sourceID, targetID int) (Org, error) {
	env, err := c.requestFirstSupported(ctx, http.MethodPost, []string{
		fmt.Sprintf("/v1/organizations/%d/merge", sourceID),
		fmt.Sprintf("/v1/organizations/%d/merge/%d", sourceID, targetID),
	}, nil, map[string]any{"merge_with_id": targetID})
	if err != nil {
		return Org{}, err
	}
	return decodeData[Org](env, "org merge")
}

// ListWebhooks lists the account's registered webhook subscriptions.
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	env, err := c.Do(ctx, http.MethodGet, "/v1/webhooks", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Webhook](env, "webhooks")
}

// CreateWebhook registers a webhook subscription.
func (c *Client) CreateWebhook(ctx context.Context, in WebhookInput) (Webhook, error) {
	env, err := c.Do(ctx, http.MethodPost, "/v1/webhooks", nil, in)
	if err != nil {
		return Webhook{}, err
	}
	return decodeData[Webhook](env, "webhook")
}

// DeleteWebhook removes a webhook subscription.
func (c *Client) DeleteWebhook(ctx context.Context, id int) error {
	_, err := c.Do(ctx, http.MethodDelete, fmt.Sprintf("/v1/webhooks/%d", id), nil, nil)
	return err
}

// ListFields fetches the field metadata for one entity type via the
// cursor-paginated v2 endpoint, falling back to the legacy v1 route on
// accounts that do not expose v2 field metadata yet.
func (c *Client) ListFields(ctx context.Context, entity FieldEntityType) ([]Field, error) {
	switch entity {
	case FieldEntityDeal, FieldEntityLead, FieldEntityPerson, FieldEntityOrg:
	default:
		return nil, fmt.Errorf("unknown field entity type %q", entity)
	}

	fields, err := listCursor[Field](ctx, c, fmt.Sprintf("/v2/%sFields", entity), nil)
	if err == nil {
		return fields, nil
	}
	log.Warn().Err(err).Str("entity", string(entity)).Msg("falling back to legacy field endpoint")

	legacy := fmt.Sprintf("/v1/%sFields", entity)
	if entity == FieldEntityOrg {
		legacy = "/v1/organizationFields"
	}
	return listOffset[Field](ctx, c, legacy, nil, 0)
}

// RequestFingerprint hashes a request's path and payload into a stable
// identifier, used to correlate ledger entries with the CRM call they
// guard.
func RequestFingerprint(path string, payload any) (string, error) {
	return hashutil.StableHash(map[string]any{"path": path, "payload": payload})
}

func decodeData[T any](env *Envelope, what string) (T, error) {
	var out T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", what, err)
	}
	return out, nil
}
