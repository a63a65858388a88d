// Package artifact models the typed metadata of computation output files
// and the object-store naming they are stored under.
package artifact

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/climatoology/climatoology/info"
)

// Modality classifies what kind of content an artifact file holds.
type Modality string

const (
	ModalityMarkdown        Modality = "markdown"
	ModalityTable           Modality = "table"
	ModalityImage           Modality = "image"
	ModalityChart           Modality = "chart"
	ModalityRaster          Modality = "raster"
	ModalityVector          Modality = "vector"
	ModalityComputationInfo Modality = "computation_info"
)

var validModalities = map[Modality]bool{
	ModalityMarkdown:        true,
	ModalityTable:           true,
	ModalityImage:           true,
	ModalityChart:           true,
	ModalityRaster:          true,
	ModalityVector:          true,
	ModalityComputationInfo: true,
}

// Attachments names companion files of an artifact: a legend and an
// optional display variant.
type Attachments struct {
	Legend  string `json:"legend,omitempty"`
	Display string `json:"display,omitempty"`
}

// Descriptor is the typed metadata of one artifact. Rank orders artifacts
// within their computation and strictly increases by insertion. Filename is
// supplied without extension; the effective stored name carries the
// extension of the produced file.
type Descriptor struct {
	Rank            int           `json:"rank"`
	CorrelationUUID uuid.UUID     `json:"correlation_uuid"`
	Name            string        `json:"name"`
	Modality        Modality      `json:"modality"`
	Primary         bool          `json:"primary"`
	Tags            []string      `json:"tags,omitempty"`
	Summary         string        `json:"summary"`
	Description     string        `json:"description,omitempty"`
	Filename        string        `json:"filename"`
	Attachments     *Attachments  `json:"attachments,omitempty"`
	Sources         []info.Source `json:"sources,omitempty"`
}

// Artifact is a produced output file together with its descriptor. Path
// points at the local file and is never serialized.
type Artifact struct {
	Descriptor
	Path string `json:"-"`
}

// Validate checks the descriptor invariants.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("artifact: name must not be empty")
	}
	if !validModalities[d.Modality] {
		return fmt.Errorf("artifact: unknown modality %q", d.Modality)
	}
	if d.Rank < 0 {
		return fmt.Errorf("artifact: rank must not be negative")
	}
	if d.Filename == "" {
		return fmt.Errorf("artifact: filename must not be empty")
	}
	return nil
}

// EffectiveFilename is the stored file name: the sanitized descriptor
// filename plus the extension of the produced file.
func (a Artifact) EffectiveFilename() string {
	return SanitizeFilename(a.Filename) + filepath.Ext(a.Path)
}

// StoreID is the blob name of the artifact relative to the bucket prefix.
// It carries the correlation id so names stay unique across computations.
func (a Artifact) StoreID() string {
	return StoreID(a.CorrelationUUID, a.EffectiveFilename())
}

// StoreID derives the blob name for a file of the given computation.
func StoreID(correlationUUID uuid.UUID, effectiveFilename string) string {
	return correlationUUID.String() + "_" + SanitizeFilename(effectiveFilename)
}

// MetadataSuffix is appended to a data blob name to form the name of its
// descriptor blob.
const MetadataSuffix = ".metadata.json"

// SanitizeFilename makes a file name safe for object-store keys: non-ASCII
// and control characters are dropped, path separators and whitespace become
// underscores. The mapping is deterministic and idempotent.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r > unicode.MaxASCII || unicode.IsControl(r):
			// dropped
		case r == '/' || r == '\\' || unicode.IsSpace(r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Canonical returns a normalized copy of the descriptor: tags deduplicated
// and sorted. Marshalling a canonical descriptor is bytewise stable.
func (d Descriptor) Canonical() Descriptor {
	if len(d.Tags) == 0 {
		return d
	}
	seen := make(map[string]bool, len(d.Tags))
	tags := make([]string, 0, len(d.Tags))
	for _, tag := range d.Tags {
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	d.Tags = tags
	return d
}

// CanonicalJSON encodes the canonical form of the descriptor.
func (d Descriptor) CanonicalJSON() ([]byte, error) {
	data, err := json.Marshal(d.Canonical())
	if err != nil {
		return nil, fmt.Errorf("artifact: encoding descriptor: %w", err)
	}
	return data, nil
}

// ComputationInfoName is the extensionless filename of the final metadata
// artifact every successful computation stores.
const ComputationInfoName = "computation_info"

// NewComputationInfo describes the computation info blob written after all
// operator artifacts. Its rank follows the last artifact.
func NewComputationInfo(correlationUUID uuid.UUID, rank int, path string) *Artifact {
	return &Artifact{
		Descriptor: Descriptor{
			Rank:            rank,
			CorrelationUUID: correlationUUID,
			Name:            "Computation Info",
			Modality:        ModalityComputationInfo,
			Summary:         "Machine-readable record of the computation run.",
			Filename:        ComputationInfoName,
		},
		Path: path,
	}
}
