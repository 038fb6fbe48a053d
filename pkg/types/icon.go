package types

import (
	"encoding/json"
	"strings"
)

// Vector is an embedding as carried in run files.
//
// Decoding is lenient: null, a non-array value, or an array holding anything
// other than numbers decodes to a nil Vector instead of failing the whole
// document. A nil Vector means "no embedding".
type Vector []float32

// UnmarshalJSON implements json.Unmarshaler
func (v *Vector) UnmarshalJSON(data []byte) error {
	var nums []float64
	if err := json.Unmarshal(data, &nums); err != nil || len(nums) == 0 {
		*v = nil
		return nil
	}
	out := make(Vector, len(nums))
	for i, n := range nums {
		out[i] = float32(n)
	}
	*v = out
	return nil
}

// SourceItem is one successfully downloaded asset as reported by the scraper.
// Fields the pipeline does not interpret are preserved in Extra and written
// back out unchanged.
type SourceItem struct {
	Name       string `json:"name" validate:"required"`
	LocalPath  string `json:"local_path" validate:"required"`
	Filename   string `json:"filename,omitempty"`
	Src        string `json:"src,omitempty"`
	Alt        string `json:"alt,omitempty"`
	ParentText string `json:"parent_text,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var sourceItemKeys = []string{"name", "local_path", "filename", "src", "alt", "parent_text"}

// sourceItemFields avoids recursion through the custom (un)marshalers
type sourceItemFields struct {
	Name       string `json:"name"`
	LocalPath  string `json:"local_path"`
	Filename   string `json:"filename,omitempty"`
	Src        string `json:"src,omitempty"`
	Alt        string `json:"alt,omitempty"`
	ParentText string `json:"parent_text,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler
func (s *SourceItem) UnmarshalJSON(data []byte) error {
	var fields sourceItemFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range sourceItemKeys {
		delete(all, k)
	}
	if len(all) == 0 {
		all = nil
	}

	*s = SourceItem{
		Name:       fields.Name,
		LocalPath:  fields.LocalPath,
		Filename:   fields.Filename,
		Src:        fields.Src,
		Alt:        fields.Alt,
		ParentText: fields.ParentText,
		Extra:      all,
	}
	return nil
}

// MarshalJSON implements json.Marshaler. Keys are emitted in sorted order.
func (s SourceItem) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Extra)+len(sourceItemKeys))
	for k, v := range s.Extra {
		out[k] = v
	}
	out["name"] = s.Name
	out["local_path"] = s.LocalPath
	setIfNotEmpty(out, "filename", s.Filename)
	setIfNotEmpty(out, "src", s.Src)
	setIfNotEmpty(out, "alt", s.Alt)
	setIfNotEmpty(out, "parent_text", s.ParentText)
	return json.Marshal(out)
}

func setIfNotEmpty(m map[string]interface{}, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// IconRecord is the unit of work and of storage: one icon image with its
// generated description and, once embedded, its vector.
type IconRecord struct {
	Name           string     `json:"name"`
	Filename       string     `json:"filename"`
	LocalPath      string     `json:"local_path"`
	Description    string     `json:"description"`
	SearchableText string     `json:"searchable_text"`
	Width          *int       `json:"width"`
	Height         *int       `json:"height"`
	Embedding      Vector     `json:"embedding,omitempty"`
	SourceData     SourceItem `json:"source_data"`
}

// NewIconRecord builds a described record for a source item
func NewIconRecord(item SourceItem, description string, width, height int) IconRecord {
	rec := IconRecord{
		Name:           item.Name,
		Filename:       item.Filename,
		LocalPath:      item.LocalPath,
		Description:    description,
		SearchableText: SearchableText(item.Name, description),
		SourceData:     item,
	}
	if width > 0 && height > 0 {
		rec.Width = &width
		rec.Height = &height
	}
	return rec
}

// SearchableText is the text indexed for lexical search and fed to the
// embedding model: the name with underscores as spaces, then the description.
func SearchableText(name, description string) string {
	return strings.ReplaceAll(name, "_", " ") + " " + description
}

// IsComplete reports whether the record has been described
func (r *IconRecord) IsComplete() bool {
	return r.Description != "" && r.SearchableText != ""
}

// HasValidEmbedding reports whether the record carries an embedding of
// exactly the given width.
func (r *IconRecord) HasValidEmbedding(dimensions int) bool {
	return r.IsComplete() && ValidEmbedding(r.Embedding, dimensions)
}

// ValidEmbedding is the single width check applied everywhere vectors are
// trusted or persisted.
func ValidEmbedding(v []float32, dimensions int) bool {
	return dimensions > 0 && len(v) == dimensions
}

// ErrorRecord captures one failed attempt at processing a source item
type ErrorRecord struct {
	IconData  SourceItem `json:"icon_data"`
	Error     string     `json:"error"`
	Step      Stage      `json:"step"`
	Timestamp string     `json:"timestamp"`
}
