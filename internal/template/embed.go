package template

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/guildkit/welcomer/internal/validation"
)

// MaxEmbedFields is the platform's per-embed field limit.
const MaxEmbedFields = 25

// EmbedAuthor is the author block of an embed template.
type EmbedAuthor struct {
	Image string `json:"image,omitempty"`
	Name  string `json:"name,omitempty"`
	URL   string `json:"url,omitempty"`
}

// EmbedFooter is the footer block of an embed template.
type EmbedFooter struct {
	Image string `json:"image,omitempty"`
	Text  string `json:"text,omitempty"`
}

// EmbedField is a single name/value pair.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// EmbedProvider names the source of an embed.
type EmbedProvider struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Embed is a rich-message template. Color holds a CSS colour string.
type Embed struct {
	Author      *EmbedAuthor   `json:"author,omitempty"`
	Color       string         `json:"color,omitempty"`
	Description string         `json:"description,omitempty"`
	Fields      []EmbedField   `json:"fields,omitempty"`
	Footer      *EmbedFooter   `json:"footer,omitempty"`
	Image       string         `json:"image,omitempty"`
	Provider    *EmbedProvider `json:"provider,omitempty"`
	Thumbnail   string         `json:"thumbnail,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Title       string         `json:"title,omitempty"`
	URL         string         `json:"url,omitempty"`
}

// UnmarshalJSON rejects unknown keys anywhere in the embed document.
func (e *Embed) UnmarshalJSON(data []byte) error {
	type plain Embed
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("invalid embed: %w", err)
	}
	*e = Embed(p)
	return nil
}

// Clone returns a deep copy of e.
func (e Embed) Clone() Embed {
	out := e
	if e.Author != nil {
		a := *e.Author
		out.Author = &a
	}
	if e.Footer != nil {
		f := *e.Footer
		out.Footer = &f
	}
	if e.Provider != nil {
		p := *e.Provider
		out.Provider = &p
	}
	out.Fields = slices.Clone(e.Fields)
	return out
}

// IsZero reports whether no property of e is set, as decoded from "{}".
func (e Embed) IsZero() bool {
	return e.Author == nil && e.Color == "" && e.Description == "" && len(e.Fields) == 0 &&
		e.Footer == nil && e.Image == "" && e.Provider == nil && e.Thumbnail == "" &&
		e.Timestamp == "" && e.Title == "" && e.URL == ""
}

// IsEmpty reports whether the embed has no visible content.
func (e Embed) IsEmpty() bool {
	return e.Title == "" && e.Description == "" && len(e.Fields) == 0 &&
		e.Image == "" && e.Thumbnail == "" &&
		(e.Author == nil || e.Author.Name == "") &&
		(e.Footer == nil || e.Footer.Text == "")
}

// Validate checks the embed against the platform's structural limits.
func (e Embed) Validate() error {
	var errs []error
	if e.IsEmpty() {
		errs = append(errs, errors.New("embed has no visible content"))
	}
	if len(e.Fields) > MaxEmbedFields {
		errs = append(errs, fmt.Errorf("embed has %d fields, at most %d allowed", len(e.Fields), MaxEmbedFields))
	}
	for i, f := range e.Fields {
		if f.Name == "" || f.Value == "" {
			errs = append(errs, fmt.Errorf("embed field %d must have a name and a value", i))
		}
	}
	if e.Color != "" {
		if _, err := validation.ParseColor(e.Color); err != nil {
			errs = append(errs, fmt.Errorf("embed color: %w", err))
		}
	}
	return errors.Join(errs...)
}
