package info

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceValidate(t *testing.T) {
	tests := []struct {
		name    string
		source  Source
		wantErr string
	}{
		{
			name: "ValidArticle",
			source: Source{
				EntryType: EntryArticle,
				Author:    "Doe, J.",
				Title:     "Urban Heat",
				Journal:   "City Climate",
				Year:      2021,
			},
		},
		{
			name: "ArticleMissingJournal",
			source: Source{
				EntryType: EntryArticle,
				Author:    "Doe, J.",
				Title:     "Urban Heat",
				Year:      2021,
			},
			wantErr: "missing journal",
		},
		{
			name: "ValidInProceedings",
			source: Source{
				EntryType: EntryInProceedings,
				Author:    "Doe, J.",
				Title:     "Urban Heat",
				BookTitle: "Proc. of Climate Conf",
				Year:      2020,
			},
		},
		{
			name: "InBookMissingYear",
			source: Source{
				EntryType: EntryInBook,
				Author:    "Doe, J.",
				Title:     "Urban Heat",
				BookTitle: "Climate Handbook",
			},
			wantErr: "missing year",
		},
		{
			name:   "MiscWithTitle",
			source: Source{EntryType: EntryMisc, Title: "Dataset"},
		},
		{
			name:   "MiscWithNoteOnly",
			source: Source{EntryType: EntryMisc, Note: "internal survey"},
		},
		{
			name:    "MiscEmpty",
			source:  Source{EntryType: EntryMisc},
			wantErr: "title or a note",
		},
		{
			name:    "UnknownType",
			source:  Source{EntryType: EntryType("phdthesis"), Title: "Thesis"},
			wantErr: "unknown entry type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.source.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
