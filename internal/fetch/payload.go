package fetch

import "github.com/JakeFAU/catalog-ingest/internal/catalog"

// Payload is the persisted-query request body.
type Payload struct {
	OperationName string     `json:"operationName"`
	Variables     Variables  `json:"variables"`
	Extensions    Extensions `json:"extensions"`
}

// Variables carry paging, locale, sort, and type filter.
type Variables struct {
	First               int                 `json:"first"`
	After               *string             `json:"after,omitempty"`
	Locale              string              `json:"locale,omitempty"`
	SortBy              string              `json:"sortBy,omitempty"`
	SortOrder           string              `json:"sortOrder,omitempty"`
	TitleTypeConstraint *TitleTypeConstraint `json:"titleTypeConstraint,omitempty"`
}

// TitleTypeConstraint filters the catalog by title type ids.
type TitleTypeConstraint struct {
	AnyTitleTypeIDs     []string `json:"anyTitleTypeIds"`
	ExcludeTitleTypeIDs []string `json:"excludeTitleTypeIds"`
}

// Extensions holds the persisted query reference.
type Extensions struct {
	PersistedQuery PersistedQuery `json:"persistedQuery"`
}

// PersistedQuery identifies a server-side stored query by hash.
type PersistedQuery struct {
	SHA256Hash string `json:"sha256Hash"`
	Version    int    `json:"version"`
}

// BuildPayload renders the request body for cursor. A nil cursor omits
// "after" so the server starts from the beginning.
func BuildPayload(cfg Config, cursor catalog.Cursor) Payload {
	vars := Variables{
		First:     cfg.PageSize,
		After:     cursor,
		Locale:    cfg.Locale,
		SortBy:    cfg.SortBy,
		SortOrder: cfg.SortOrder,
	}
	if len(cfg.TitleTypes) > 0 || len(cfg.ExcludeTitleTypes) > 0 {
		vars.TitleTypeConstraint = &TitleTypeConstraint{
			AnyTitleTypeIDs:     nonNil(cfg.TitleTypes),
			ExcludeTitleTypeIDs: nonNil(cfg.ExcludeTitleTypes),
		}
	}
	version := cfg.QueryVersion
	if version == 0 {
		version = 1
	}
	return Payload{
		OperationName: cfg.OperationName,
		Variables:     vars,
		Extensions: Extensions{
			PersistedQuery: PersistedQuery{SHA256Hash: cfg.QueryHash, Version: version},
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
