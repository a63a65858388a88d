package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climatoology/climatoology/aoi"
	"github.com/climatoology/climatoology/artifact"
	"github.com/climatoology/climatoology/info"
)

func TestInfoRowRoundTrip(t *testing.T) {
	demoAoi := aoi.Rectangle("Demo City", "demo:demo_city", 13.3, 52.4, 13.5, 52.6)
	original := info.Info{
		ID:             "heat_mapper",
		Name:           "Heat Mapper",
		Version:        "1.2.3",
		LibraryVersion: "2.3.0",
		Authors:        []info.Author{{Name: "Ada Lovelace"}},
		State:          info.StateActive,
		Concerns:       []info.Concern{info.ConcernHeat},
		Teaser:         "Shows how hot summers hit every city block.",
		DemoConfig: info.DemoConfig{
			Aoi:    &demoAoi,
			Params: json.RawMessage(`{"resolution":30}`),
		},
		ComputationShelfLife: info.ShelfLifeOf(24 * time.Hour),
		Assets: info.Assets{
			Icon: "heat.svg",
			SourcesLibrary: map[string]info.Source{
				"landsat": {EntryType: info.EntryMisc, Title: "Landsat Collection"},
			},
		},
		OperatorSchema: json.RawMessage(`{"type":"object"}`),
		Sources:        []string{"landsat"},
	}

	row, err := rowFromInfo(original)
	require.NoError(t, err)
	assert.Equal(t, "heat_mapper;1.2.3", row.Key)
	assert.Equal(t, "heat_mapper", row.PluginID)
	require.NotNil(t, row.ShelfLifeSeconds)
	assert.Equal(t, int64(86400), *row.ShelfLifeSeconds)

	decoded, err := infoFromRow(row, original.Authors)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestShelfLifeColumnMapping(t *testing.T) {
	assert.Nil(t, shelfLifeSeconds(info.UnboundedShelfLife()))

	never := shelfLifeSeconds(info.ShelfLife{})
	require.NotNil(t, never)
	assert.Equal(t, int64(0), *never)

	hour := shelfLifeSeconds(info.ShelfLifeOf(time.Hour))
	require.NotNil(t, hour)
	assert.Equal(t, int64(3600), *hour)

	assert.True(t, shelfLifeFromSeconds(nil).Unbounded())
	assert.True(t, shelfLifeFromSeconds(never).Never())
	assert.Equal(t, time.Hour, shelfLifeFromSeconds(hour).Duration())
}

func TestArtifactRowRoundTrip(t *testing.T) {
	original := artifact.Descriptor{
		Rank:            1,
		CorrelationUUID: uuid.MustParse("9f1c3a52-0000-4000-8000-000000000003"),
		Name:            "Heat Map",
		Modality:        artifact.ModalityRaster,
		Primary:         true,
		Tags:            []string{"heat", "blocks"},
		Summary:         "Surface temperature raster.",
		Description:     "Resampled to a regular grid.",
		Filename:        "heat_map",
		Attachments:     &artifact.Attachments{Legend: "legend.png"},
		Sources: []info.Source{
			{EntryType: info.EntryMisc, Title: "Landsat Collection"},
		},
	}

	row, err := artifactRowFromDescriptor(original)
	require.NoError(t, err)
	assert.Equal(t, "raster", row.Modality)
	assert.True(t, row.Primary)

	decoded, err := descriptorFromArtifactRow(row)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestArtifactRowWithoutOptionalBlobs(t *testing.T) {
	original := artifact.Descriptor{
		Rank:            0,
		CorrelationUUID: uuid.New(),
		Name:            "Notes",
		Modality:        artifact.ModalityMarkdown,
		Summary:         "Methodology notes.",
		Filename:        "notes",
	}

	row, err := artifactRowFromDescriptor(original)
	require.NoError(t, err)
	assert.Nil(t, row.Attachments)
	assert.Nil(t, row.Sources)

	decoded, err := descriptorFromArtifactRow(row)
	require.NoError(t, err)
	assert.Nil(t, decoded.Attachments)
	assert.Empty(t, decoded.Sources)
}
