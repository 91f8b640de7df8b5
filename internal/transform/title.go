package transform

import (
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/catalog-ingest/internal/catalog"
)

// TitleMapper flattens one title node into a Record. Nodes may carry the
// title under a "title" key or be the title object themselves.
type TitleMapper struct {
	SourceURL string
	Clock     catalog.Clock
}

// Map implements catalog.Mapper. pageIndex is zero-based; the record is
// labelled with the one-based page number.
func (m TitleMapper) Map(item catalog.RawItem, pageIndex int) (catalog.Record, error) {
	title := item
	if nested, ok := item["title"].(map[string]any); ok && len(nested) > 0 {
		title = nested
	}

	var errs fieldErrors
	titleType := errs.object(title, "titleType")
	primaryImage := errs.object(title, "primaryImage")
	releaseYear := errs.object(title, "releaseYear")
	ratings := errs.object(title, "ratingsSummary")
	runtimeObj := errs.object(title, "runtime")
	certificate := errs.object(title, "certificate")
	canRate := errs.object(title, "canRate")
	titleGenres := errs.object(title, "titleGenres")
	trailer := errs.object(title, "latestTrailer")
	plot := errs.object(errs.object(title, "plot"), "plotText")
	releaseDate := errs.object(title, "releaseDate")
	production := errs.object(title, "productionStatus")
	metacritic := errs.object(title, "metacritic")
	stage := errs.object(production, "currentProductionStage")
	series := errs.object(title, "series")
	titleText := errs.object(title, "titleText")
	originalTitle := errs.object(title, "originalTitleText")
	metascore := errs.object(metacritic, "metascore")
	if errs.err != nil {
		return catalog.Record{}, errs.err
	}

	genresRaw, _ := titleGenres["genres"].([]any)
	genres := make([]string, 0, len(genresRaw))
	for _, g := range genresRaw {
		entry, ok := g.(map[string]any)
		if !ok {
			continue
		}
		genre, _ := entry["genre"].(map[string]any)
		text, _ := genre["text"].(string)
		genres = append(genres, text)
	}
	if genresRaw == nil {
		genresRaw = []any{}
	}

	yearList := []any{}
	if len(releaseYear) > 0 {
		yearList = []any{releaseYear["year"], releaseYear["endYear"]}
	}

	stageText := text(stage, "id")
	if stageText == "" {
		stageText = text(stage, "text")
	}

	canRateFlag, _ := canRate["isRatable"].(bool)

	rec := catalog.Record{
		TitleID:               text(title, "id"),
		TitleText:             text(titleText, "text"),
		OriginalTitleText:     text(originalTitle, "text"),
		PrimaryImageURL:       text(primaryImage, "url"),
		CertificateRating:     text(certificate, "rating"),
		LatestTrailerID:       text(trailer, "id"),
		PlotText:              text(plot, "plainText"),
		TitleTypeText:         text(titleType, "text"),
		ProductionStatusStage: stageText,

		ReleaseYear:         integer(releaseYear["year"]),
		AggregateRating:     number(ratings["aggregateRating"]),
		VoteCount:           integer(ratings["voteCount"]),
		RuntimeSeconds:      integer(runtimeObj["seconds"]),
		MetacriticMetascore: integer(metascore["score"]),
		CanRate:             canRateFlag,

		GenresList:      genres,
		ReleaseYearList: yearList,

		TitleTypeDict:        titleType,
		PrimaryImageDict:     primaryImage,
		RatingsSummaryDict:   ratings,
		ReleaseYearDict:      releaseYear,
		TitleGenresDictList:  genresRaw,
		ReleaseDateDict:      releaseDate,
		ProductionStatusDict: production,
		MetacriticDict:       metacritic,
		SeriesDict:           series,

		Page:      pageIndex + 1,
		SourceURL: m.SourceURL,
	}
	if m.Clock != nil {
		rec.ScrapedAt = m.Clock.Now().UTC()
	} else {
		rec.ScrapedAt = time.Now().UTC()
	}
	return rec, nil
}

// fieldErrors collects the first type mismatch while walking a node.
type fieldErrors struct {
	err error
}

// object returns parent[key] as a map. Absent and falsy values yield an
// empty map; any other non-object value is a mapping error.
func (f *fieldErrors) object(parent map[string]any, key string) map[string]any {
	v, ok := parent[key]
	if !ok || falsy(v) {
		return map[string]any{}
	}
	m, isMap := v.(map[string]any)
	if !isMap {
		if f.err == nil {
			f.err = fmt.Errorf("field %q: expected object, got %T", key, v)
		}
		return map[string]any{}
	}
	return m
}

func falsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		return t == ""
	case float64:
		return t == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func text(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || falsy(v) {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	default:
		return fmt.Sprint(t)
	}
}

// integer accepts JSON numbers with no fractional part.
func integer(v any) *int {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
		return nil
	}
	n := int(f)
	return &n
}

func number(v any) *float64 {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
