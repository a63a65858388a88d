// Package info models the immutable descriptor of one plugin version:
// identity, ordered author list, semantic version, parameter schema, demo
// configuration, cache policy and the library contract version the plugin
// was built against. It also implements the semver compatibility rule used
// on info requests and at worker startup.
package info

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/climatoology/climatoology/aoi"
)

// State describes where a plugin version stands in its support lifecycle.
type State string

const (
	StateExperimental State = "experimental"
	StateActive       State = "active"
	StateHibernate    State = "hibernate"
	StateArchive      State = "archive"
)

var validStates = map[State]bool{
	StateExperimental: true,
	StateActive:       true,
	StateHibernate:    true,
	StateArchive:      true,
}

// Concern is a topical tag from a closed enumeration. A plugin carries an
// unordered set of them.
type Concern string

const (
	ConcernAirQuality   Concern = "air_quality"
	ConcernBiodiversity Concern = "biodiversity"
	ConcernBuildings    Concern = "buildings"
	ConcernEnergy       Concern = "energy"
	ConcernFlooding     Concern = "flooding"
	ConcernGreenery     Concern = "greenery"
	ConcernHeat         Concern = "heat"
	ConcernLandUse      Concern = "land_use"
	ConcernMobility     Concern = "mobility"
	ConcernNoise        Concern = "noise"
	ConcernSoil         Concern = "soil"
	ConcernWater        Concern = "water"
)

var validConcerns = map[Concern]bool{
	ConcernAirQuality:   true,
	ConcernBiodiversity: true,
	ConcernBuildings:    true,
	ConcernEnergy:       true,
	ConcernFlooding:     true,
	ConcernGreenery:     true,
	ConcernHeat:         true,
	ConcernLandUse:      true,
	ConcernMobility:     true,
	ConcernNoise:        true,
	ConcernSoil:         true,
	ConcernWater:        true,
}

// Author is one entry of the ordered author list. Order is meaningful for
// display and must round-trip.
type Author struct {
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
	Website     string `json:"website,omitempty"`
}

// Assets bundles the plugin icon and the citation library artifacts may
// reference.
type Assets struct {
	Icon           string            `json:"icon,omitempty"`
	SourcesLibrary map[string]Source `json:"sources_library,omitempty"`
}

// DemoConfig carries the area and parameters a plugin demonstration runs
// with when a request supplies no area of its own.
type DemoConfig struct {
	Aoi    *aoi.Aoi        `json:"aoi,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Info is the descriptor of one plugin version. Its primary key is
// Key() = id + ";" + version.
type Info struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Version              string          `json:"version"`
	LibraryVersion       string          `json:"library_version"`
	Authors              []Author        `json:"authors"`
	State                State           `json:"state"`
	Concerns             []Concern       `json:"concerns,omitempty"`
	Teaser               string          `json:"teaser"`
	Purpose              string          `json:"purpose,omitempty"`
	Methodology          string          `json:"methodology,omitempty"`
	Repository           string          `json:"repository,omitempty"`
	DemoConfig           DemoConfig      `json:"demo_config"`
	ComputationShelfLife ShelfLife       `json:"computation_shelf_life"`
	Assets               Assets          `json:"assets"`
	OperatorSchema       json.RawMessage `json:"operator_schema,omitempty"`
	Sources              []string        `json:"sources,omitempty"`
}

// KeySeparator joins plugin id and version into the primary key.
const KeySeparator = ";"

// Key returns the primary identifier of this plugin version.
func (i Info) Key() string {
	return i.ID + KeySeparator + i.Version
}

// SplitKey breaks a plugin key into its id and version parts.
func SplitKey(key string) (id, version string) {
	id, version, _ = strings.Cut(key, KeySeparator)
	return id, version
}

// namePattern admits display names of letters with single spaces or hyphens
// between words.
var namePattern = regexp.MustCompile(`^[A-Za-z]+(?:[ -][A-Za-z]+)*$`)

// DeriveID derives the plugin id from its display name: separators become
// underscores and the result is lowered. The derivation is idempotent.
func DeriveID(name string) string {
	id := strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(id)
}

const (
	teaserMinLen = 20
	teaserMaxLen = 150
)

// Validate checks the descriptor invariants. The returned error names the
// first violated rule.
func (i Info) Validate() error {
	if !namePattern.MatchString(i.Name) {
		return fmt.Errorf("info: name %q must contain only letters, spaces and hyphens", i.Name)
	}
	if i.ID != DeriveID(i.Name) {
		return fmt.Errorf("info: id %q does not match name %q (want %q)", i.ID, i.Name, DeriveID(i.Name))
	}
	if _, err := parseVersion(i.Version); err != nil {
		return fmt.Errorf("info: version: %w", err)
	}
	if _, err := parseVersion(i.LibraryVersion); err != nil {
		return fmt.Errorf("info: library_version: %w", err)
	}
	if err := i.validateTeaser(); err != nil {
		return err
	}
	if !validStates[i.State] {
		return fmt.Errorf("info: unknown state %q", i.State)
	}
	for _, c := range i.Concerns {
		if !validConcerns[c] {
			return fmt.Errorf("info: unknown concern %q", c)
		}
	}
	if len(i.Authors) == 0 {
		return fmt.Errorf("info: at least one author is required")
	}
	for _, a := range i.Authors {
		if a.Name == "" {
			return fmt.Errorf("info: author name must not be empty")
		}
	}
	if i.ComputationShelfLife.Negative() {
		return fmt.Errorf("info: computation_shelf_life must not be negative")
	}
	for key, src := range i.Assets.SourcesLibrary {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("info: sources_library[%s]: %w", key, err)
		}
	}
	for _, key := range i.Sources {
		if _, ok := i.Assets.SourcesLibrary[key]; !ok {
			return fmt.Errorf("info: source %q is not part of the sources library", key)
		}
	}
	return nil
}

func (i Info) validateTeaser() error {
	length := utf8.RuneCountInString(i.Teaser)
	if length < teaserMinLen || length > teaserMaxLen {
		return fmt.Errorf("info: teaser must be %d-%d characters, got %d", teaserMinLen, teaserMaxLen, length)
	}
	first, _ := utf8.DecodeRuneInString(i.Teaser)
	if !unicode.IsUpper(first) {
		return fmt.Errorf("info: teaser must begin with an upper-case letter")
	}
	if !strings.HasSuffix(i.Teaser, ".") {
		return fmt.Errorf("info: teaser must end with a period")
	}
	return nil
}

// ResolveSources maps the cited source keys to their library entries, in
// citation order.
func (i Info) ResolveSources(keys []string) ([]Source, error) {
	resolved := make([]Source, 0, len(keys))
	for _, key := range keys {
		src, ok := i.Assets.SourcesLibrary[key]
		if !ok {
			return nil, fmt.Errorf("info: source %q is not part of the sources library", key)
		}
		resolved = append(resolved, src)
	}
	return resolved, nil
}
