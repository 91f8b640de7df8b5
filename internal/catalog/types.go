// Package catalog defines core types shared across the ingest subsystems.
package catalog

import (
	"time"
)

// Cursor locates the next page of the remote catalog. A nil Cursor means
// "start of catalog"; the value is opaque and only compared for equality.
type Cursor = *string

// NewCursor returns a Cursor for s, or nil when s is empty.
func NewCursor(s string) Cursor {
	if s == "" {
		return nil
	}
	return &s
}

// CursorString renders a cursor for logs and storage ("" for nil).
func CursorString(c Cursor) string {
	if c == nil {
		return ""
	}
	return *c
}

// SameCursor reports whether two cursors identify the same position.
func SameCursor(a, b Cursor) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// RawItem is one decoded catalog node as returned by the source.
type RawItem = map[string]any

// Page is the validated result of one fetch.
type Page struct {
	Items       []RawItem
	HasNextPage *bool
	EndCursor   Cursor
}

// Record is one flat output unit written to the sink. Nullable scalars are
// pointers; nested sub-objects are carried verbatim.
type Record struct {
	RecordID string `json:"record_id,omitempty"`

	TitleID               string `json:"title_id"`
	TitleText             string `json:"title_text"`
	OriginalTitleText     string `json:"original_title_text"`
	PrimaryImageURL       string `json:"primary_image_url"`
	CertificateRating     string `json:"certificate_rating"`
	LatestTrailerID       string `json:"latest_trailer_id"`
	PlotText              string `json:"plot_text"`
	TitleTypeText         string `json:"title_type_text"`
	ProductionStatusStage string `json:"production_status_stage"`

	ReleaseYear         *int     `json:"release_year"`
	AggregateRating     *float64 `json:"aggregate_rating"`
	VoteCount           *int     `json:"vote_count"`
	RuntimeSeconds      *int     `json:"runtime_seconds"`
	MetacriticMetascore *int     `json:"metacritic_metascore"`
	CanRate             bool     `json:"can_rate"`

	GenresList      []string `json:"genres_list"`
	ReleaseYearList []any    `json:"release_year_list"`

	TitleTypeDict        map[string]any `json:"title_type_dict"`
	PrimaryImageDict     map[string]any `json:"primary_image_dict"`
	RatingsSummaryDict   map[string]any `json:"ratings_summary_dict"`
	ReleaseYearDict      map[string]any `json:"release_year_dict"`
	TitleGenresDictList  []any          `json:"title_genres_dict_list"`
	ReleaseDateDict      map[string]any `json:"release_date_dict"`
	ProductionStatusDict map[string]any `json:"production_status_dict"`
	MetacriticDict       map[string]any `json:"metacritic_dict"`
	SeriesDict           map[string]any `json:"series_dict"`

	Page      int       `json:"page"`
	SourceURL string    `json:"source_url"`
	ScrapedAt time.Time `json:"scraped_at_utc"`
}

// Checkpoint is the durable resume marker written by the checkpoint store.
type Checkpoint struct {
	Timestamp    time.Time `json:"timestamp"`
	Cursor       Cursor    `json:"cursor"`
	PageNo       int       `json:"page_no"`
	RecordsCount int       `json:"records_count"`
	SampleRecord *Record   `json:"sample_record"`
}
