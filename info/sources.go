package info

import "fmt"

// EntryType discriminates the citation variants of a Source.
type EntryType string

const (
	EntryArticle       EntryType = "article"
	EntryInBook        EntryType = "inbook"
	EntryInProceedings EntryType = "inproceedings"
	EntryMisc          EntryType = "misc"
)

// Source is a single citation entry. EntryType selects which of the
// remaining fields are required.
type Source struct {
	EntryType    EntryType `json:"entry_type"`
	Author       string    `json:"author,omitempty"`
	Title        string    `json:"title,omitempty"`
	Journal      string    `json:"journal,omitempty"`
	BookTitle    string    `json:"booktitle,omitempty"`
	Publisher    string    `json:"publisher,omitempty"`
	Year         int       `json:"year,omitempty"`
	Volume       string    `json:"volume,omitempty"`
	Pages        string    `json:"pages,omitempty"`
	DOI          string    `json:"doi,omitempty"`
	URL          string    `json:"url,omitempty"`
	HowPublished string    `json:"howpublished,omitempty"`
	Note         string    `json:"note,omitempty"`
}

type requiredField struct {
	name  string
	empty bool
}

// Validate checks the fields required by the entry type.
func (s Source) Validate() error {
	switch s.EntryType {
	case EntryArticle:
		return s.require(
			requiredField{"author", s.Author == ""},
			requiredField{"title", s.Title == ""},
			requiredField{"journal", s.Journal == ""},
			requiredField{"year", s.Year == 0},
		)
	case EntryInBook, EntryInProceedings:
		return s.require(
			requiredField{"author", s.Author == ""},
			requiredField{"title", s.Title == ""},
			requiredField{"booktitle", s.BookTitle == ""},
			requiredField{"year", s.Year == 0},
		)
	case EntryMisc:
		if s.Title == "" && s.Note == "" {
			return fmt.Errorf("misc entry needs a title or a note")
		}
		return nil
	default:
		return fmt.Errorf("unknown entry type %q", s.EntryType)
	}
}

func (s Source) require(fields ...requiredField) error {
	for _, field := range fields {
		if field.empty {
			return fmt.Errorf("%s entry is missing %s", s.EntryType, field.name)
		}
	}
	return nil
}
