package platform

import (
	"github.com/guildkit/welcomer/internal/template"
	"github.com/guildkit/welcomer/internal/validation"
)

type apiEmbedAuthor struct {
	Name    string `json:"name,omitempty"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type apiEmbedFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

type apiEmbedMedia struct {
	URL string `json:"url"`
}

type apiEmbedProvider struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

type apiEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type apiEmbed struct {
	Type        string            `json:"type"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	URL         string            `json:"url,omitempty"`
	Timestamp   string            `json:"timestamp,omitempty"`
	Color       uint32            `json:"color,omitempty"`
	Author      *apiEmbedAuthor   `json:"author,omitempty"`
	Footer      *apiEmbedFooter   `json:"footer,omitempty"`
	Image       *apiEmbedMedia    `json:"image,omitempty"`
	Thumbnail   *apiEmbedMedia    `json:"thumbnail,omitempty"`
	Provider    *apiEmbedProvider `json:"provider,omitempty"`
	Fields      []apiEmbedField   `json:"fields,omitempty"`
}

// toAPIEmbed converts a stored embed to the platform's wire shape. Colours that do not parse are sent as black.
func toAPIEmbed(e template.Embed) apiEmbed {
	out := apiEmbed{
		Type:        "rich",
		Title:       e.Title,
		Description: e.Description,
		URL:         e.URL,
		Timestamp:   e.Timestamp,
		Color:       validation.ColorOrBlack(e.Color),
	}
	if e.Author != nil {
		out.Author = &apiEmbedAuthor{Name: e.Author.Name, URL: e.Author.URL, IconURL: e.Author.Image}
	}
	if e.Footer != nil {
		out.Footer = &apiEmbedFooter{Text: e.Footer.Text, IconURL: e.Footer.Image}
	}
	if e.Image != "" {
		out.Image = &apiEmbedMedia{URL: e.Image}
	}
	if e.Thumbnail != "" {
		out.Thumbnail = &apiEmbedMedia{URL: e.Thumbnail}
	}
	if e.Provider != nil {
		out.Provider = &apiEmbedProvider{Name: e.Provider.Name, URL: e.Provider.URL}
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, apiEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return out
}
