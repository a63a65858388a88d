package artifact

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"PlainASCII", "heat_map", "heat_map"},
		{"Spaces", "heat map v2", "heat_map_v2"},
		{"PathSeparators", "a/b\\c", "a_b_c"},
		{"NonASCIIDropped", "wärmekarte", "wrmekarte"},
		{"ControlDropped", "map\x07name", "mapname"},
		{"Mixed", "Überhitzung karte", "berhitzung_karte"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeFilename(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, SanitizeFilename(got), "sanitizing must be idempotent")
		})
	}
}

func TestEffectiveFilename(t *testing.T) {
	a := Artifact{
		Descriptor: Descriptor{Filename: "heat map"},
		Path:       "/tmp/work/output.tif",
	}
	assert.Equal(t, "heat_map.tif", a.EffectiveFilename())
}

func TestStoreID(t *testing.T) {
	corr := uuid.MustParse("9f1c3a52-0000-4000-8000-000000000001")
	a := Artifact{
		Descriptor: Descriptor{CorrelationUUID: corr, Filename: "heat map"},
		Path:       "/tmp/out.png",
	}
	assert.Equal(t, corr.String()+"_heat_map.png", a.StoreID())
}

func TestDescriptorValidate(t *testing.T) {
	valid := Descriptor{
		Name:     "Heat Map",
		Modality: ModalityRaster,
		Summary:  "Surface temperature raster.",
		Filename: "heat_map",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Descriptor)
	}{
		{"EmptyName", func(d *Descriptor) { d.Name = "" }},
		{"UnknownModality", func(d *Descriptor) { d.Modality = "video" }},
		{"NegativeRank", func(d *Descriptor) { d.Rank = -1 }},
		{"EmptyFilename", func(d *Descriptor) { d.Filename = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			assert.Error(t, d.Validate())
		})
	}
}

func TestCanonicalJSONIsStable(t *testing.T) {
	d := Descriptor{
		Rank:            2,
		CorrelationUUID: uuid.MustParse("9f1c3a52-0000-4000-8000-000000000002"),
		Name:            "Heat Map",
		Modality:        ModalityRaster,
		Tags:            []string{"temperature", "heat", "temperature", "blocks"},
		Summary:         "Surface temperature raster.",
		Filename:        "heat_map",
	}

	first, err := d.CanonicalJSON()
	require.NoError(t, err)
	second, err := d.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	canonical := d.Canonical()
	assert.Equal(t, []string{"blocks", "heat", "temperature"}, canonical.Tags)
	// The source descriptor stays untouched.
	assert.Equal(t, []string{"temperature", "heat", "temperature", "blocks"}, d.Tags)
}

func TestNewComputationInfo(t *testing.T) {
	corr := uuid.New()
	a := NewComputationInfo(corr, 3, "/tmp/computation_info.json")

	assert.Equal(t, 3, a.Rank)
	assert.Equal(t, corr, a.CorrelationUUID)
	assert.Equal(t, ModalityComputationInfo, a.Modality)
	assert.Equal(t, "computation_info.json", a.EffectiveFilename())
	require.NoError(t, a.Validate())
}
