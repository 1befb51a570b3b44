// Package pipeline implements the staged enrichment pipeline: each
// attraction moves through a fixed ordered sequence of data-collection
// stages, with per-stage concurrency limits, durable checkpoints for
// resume-after-restart, a retry backlog for rate-limited fetches, and a
// quota circuit breaker for exhausted external APIs.
package pipeline

import (
	"context"
	"fmt"
)

// Stage names, in pipeline order.
const (
	StageMetadata     = "metadata"
	StageHeroImages   = "hero_images"
	StageBestTime     = "best_time"
	StageWeather      = "weather"
	StageTips         = "tips"
	StageMap          = "map"
	StageReviews      = "reviews"
	StageSocialVideos = "social_videos"
	StageNearby       = "nearby"
	StageAudiences    = "audiences"
)

// StageOrder is the fixed total order of stages. Stage progression is always
// resolved against this list, never inferred from checkpoint timestamps.
var StageOrder = []string{
	StageMetadata,
	StageHeroImages,
	StageBestTime,
	StageWeather,
	StageTips,
	StageMap,
	StageReviews,
	StageSocialVideos,
	StageNearby,
	StageAudiences,
}

// StageIndex returns the ordinal of a stage in StageOrder, or -1 if unknown.
func StageIndex(name string) int {
	for i, s := range StageOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// NextStage returns the stage after name, or "" if name is the final stage
// or unknown.
func NextStage(name string) string {
	idx := StageIndex(name)
	if idx < 0 || idx+1 >= len(StageOrder) {
		return ""
	}
	return StageOrder[idx+1]
}

// FetchRequest carries the attraction context a fetcher needs. Fetchers use
// the fields relevant to their data source and ignore the rest.
type FetchRequest struct {
	AttractionID   int64
	AttractionName string
	PlaceID        string
	CityName       string
	Country        string
	Latitude       float64
	Longitude      float64
	HasCoordinates bool
}

// FetchResult is the outcome of a successful fetch. A nil result or a nil
// Data field means the source had nothing for this attraction, which is not
// a failure. Count carries the number of collected items for reporting.
type FetchResult struct {
	Data  any
	Count int
}

// Empty reports whether the fetch produced no usable data.
func (r *FetchResult) Empty() bool {
	return r == nil || r.Data == nil
}

// Fetcher retrieves stage-specific data from an external source.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

// Storer persists a non-empty fetch result. Called only when the fetch
// returned data; a store failure is treated as a stage error.
type Storer interface {
	Store(ctx context.Context, attractionID int64, data any) error
}

// StageConfig is the typed per-stage configuration consumed by the generic
// executor.
type StageConfig struct {
	Number        int
	Name          string
	API           string // quota tracker key for the backing external API
	DataType      string // retry backlog key
	Fetcher       Fetcher
	Storer        Storer
	MaxConcurrent int
	NeedsCoords   bool
	CoordFallback bool // substitute default coordinates when missing
	Final         bool
}

// Default coordinates substituted when an attraction is missing geodata and
// the stage tolerates an approximate location (city-scale data like weather).
const (
	DefaultLatitude  = 48.8584
	DefaultLongitude = 2.2945
)

// stageSpec is the static portion of a stage definition.
type stageSpec struct {
	name          string
	api           string
	needsCoords   bool
	coordFallback bool
}

var stageSpecs = []stageSpec{
	{name: StageMetadata, api: "google_places"},
	{name: StageHeroImages, api: "google_places"},
	{name: StageBestTime, api: "besttime", needsCoords: true},
	{name: StageWeather, api: "openweathermap", needsCoords: true, coordFallback: true},
	{name: StageTips, api: "gemini"},
	{name: StageMap, api: "google_maps", needsCoords: true, coordFallback: true},
	{name: StageReviews, api: "google_places"},
	{name: StageSocialVideos, api: "youtube"},
	{name: StageNearby, api: "google_places", needsCoords: true},
	{name: StageAudiences, api: "gemini"},
}

// StageSet is the resolved stage registry for a pipeline instance.
type StageSet struct {
	ordered []StageConfig
	byName  map[string]*StageConfig
}

// StageBinding supplies the collaborators for one stage.
type StageBinding struct {
	Fetcher Fetcher
	Storer  Storer
}

// NewStageSet builds the ten-stage registry, binding each stage's fetcher
// and storer and applying the configured concurrency limits. Every stage in
// StageOrder must have a binding.
func NewStageSet(bindings map[string]StageBinding, cfg Config) (*StageSet, error) {
	set := &StageSet{
		byName: make(map[string]*StageConfig, len(stageSpecs)),
	}

	for i, spec := range stageSpecs {
		binding, ok := bindings[spec.name]
		if !ok || binding.Fetcher == nil {
			return nil, fmt.Errorf("missing fetcher binding for stage %q", spec.name)
		}
		if binding.Storer == nil {
			return nil, fmt.Errorf("missing storer binding for stage %q", spec.name)
		}

		set.ordered = append(set.ordered, StageConfig{
			Number:        i + 1,
			Name:          spec.name,
			API:           spec.api,
			DataType:      spec.name,
			Fetcher:       binding.Fetcher,
			Storer:        binding.Storer,
			MaxConcurrent: cfg.ConcurrencyFor(spec.name),
			NeedsCoords:   spec.needsCoords,
			CoordFallback: spec.coordFallback,
			Final:         i == len(stageSpecs)-1,
		})
	}

	for i := range set.ordered {
		set.byName[set.ordered[i].Name] = &set.ordered[i]
	}

	return set, nil
}

// ByName returns the stage config, or nil for an unknown stage.
func (s *StageSet) ByName(name string) *StageConfig {
	return s.byName[name]
}

// First returns the entry stage of the pipeline.
func (s *StageSet) First() *StageConfig {
	return &s.ordered[0]
}

// DataTypes returns the data type keys of every stage, in pipeline order.
func (s *StageSet) DataTypes() []string {
	types := make([]string, len(s.ordered))
	for i, sc := range s.ordered {
		types[i] = sc.DataType
	}
	return types
}

// ByDataType returns the stage that owns a retry backlog data type.
func (s *StageSet) ByDataType(dataType string) *StageConfig {
	for i := range s.ordered {
		if s.ordered[i].DataType == dataType {
			return &s.ordered[i]
		}
	}
	return nil
}
