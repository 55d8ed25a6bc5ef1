package transport

import (
	"github.com/google/uuid"
)

// Payload is the JSON body of one ask request.
type Payload struct {
	Params       Params       `json:"params"`
	Query        string       `json:"query"`
	QueryStr     string       `json:"query_str"`
	UserIdentity UserIdentity `json:"user_identity"`
}

type Params struct {
	Attachments         []string `json:"attachments"`
	Language            string   `json:"language"`
	Timezone            string   `json:"timezone"`
	SearchFocus         string   `json:"search_focus"`
	Sources             []string `json:"sources"`
	SearchRecencyFilter *string  `json:"search_recency_filter"`
	FrontendUUID        string   `json:"frontend_uuid"`
	Mode                string   `json:"mode"`
	ModelPreference     string   `json:"model_preference"`
	IsRelatedQuery      bool     `json:"is_related_query"`
	IsSponsored         bool     `json:"is_sponsored"`
	FrontendContextUUID string   `json:"frontend_context_uuid"`
	PromptSource        string   `json:"prompt_source"`
	QuerySource         string   `json:"query_source"`
	QueryStr            string   `json:"query_str"`
	LastBackendUUID     string   `json:"last_backend_uuid,omitempty"`
}

type UserIdentity struct {
	Lang          string   `json:"lang"`
	Country       string   `json:"country"`
	ABActiveTests []string `json:"ab_active_tests"`
}

// BuildPayload fills a payload for q. A fresh frontend uuid is always
// generated; the context uuid is reused when the request belongs to a
// conversation.
func BuildPayload(req Request) Payload {
	opts := req.Options.Normalize()
	contextUUID := req.ContextUUID
	if contextUUID == "" {
		contextUUID = uuid.NewString()
	}
	source := "home"
	if req.LastBackendUUID != "" {
		source = "followup"
	}
	return Payload{
		Params: Params{
			Attachments:         []string{},
			Language:            opts.Language,
			Timezone:            "UTC",
			SearchFocus:         "internet",
			Sources:             opts.SourceNames(),
			FrontendUUID:        uuid.NewString(),
			Mode:                opts.Mode.APIMode(),
			ModelPreference:     opts.ModelPreference(),
			IsRelatedQuery:      req.Related,
			FrontendContextUUID: contextUUID,
			PromptSource:        "user",
			QuerySource:         source,
			QueryStr:            req.Query,
			LastBackendUUID:     req.LastBackendUUID,
		},
		Query:    req.Query,
		QueryStr: req.Query,
		UserIdentity: UserIdentity{
			Lang:          opts.Language,
			Country:       "US",
			ABActiveTests: []string{},
		},
	}
}
