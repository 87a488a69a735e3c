// Package cdn builds asset URLs on the chat platform's content delivery network.
//
// Every asset category is described by one row in a table holding its path pattern and the
// image formats the CDN serves for it, so adding a category never requires new code.
package cdn

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// DefaultBaseURL is the public CDN root.
const DefaultBaseURL = "https://cdn.discordapp.com/"

var (
	// ErrUnsupportedFormat is returned when a category is not served in the requested format.
	ErrUnsupportedFormat = errors.New("format not supported for asset category")
	// ErrSegmentCount is returned when the number of path segments does not match the category.
	ErrSegmentCount = errors.New("wrong number of path segments for asset category")
)

// Format is an image (or animation) encoding served by the CDN.
type Format string

const (
	PNG    Format = "png"
	JPEG   Format = "jpeg"
	WebP   Format = "webp"
	GIF    Format = "gif"
	Lottie Format = "json"
)

// Category identifies a kind of CDN asset.
type Category int

const (
	Emoji Category = iota
	GuildIcon
	GuildSplash
	GuildDiscoverySplash
	GuildBanner
	UserBanner
	DefaultUserAvatar
	UserAvatar
	ApplicationIcon
	ApplicationCover
	ApplicationAsset
	AchievementIcon
	StickerPackBanner
	TeamIcon
	Sticker
)

type endpoint struct {
	name    string
	pattern string
	formats []Format
}

var (
	rasterAnimated = []Format{PNG, JPEG, WebP, GIF}
	raster         = []Format{PNG, JPEG, WebP}
)

var endpoints = map[Category]endpoint{
	Emoji:                {"emoji", "emojis/%s", rasterAnimated},
	GuildIcon:            {"guild_icon", "icons/%s/%s", rasterAnimated},
	GuildSplash:          {"guild_splash", "splashes/%s/%s", raster},
	GuildDiscoverySplash: {"guild_discovery_splash", "discovery-splashes/%s/%s", raster},
	GuildBanner:          {"guild_banner", "banners/%s/%s", raster},
	UserBanner:           {"user_banner", "banners/%s/%s", rasterAnimated},
	DefaultUserAvatar:    {"default_user_avatar", "embed/avatars/%s", []Format{PNG}},
	UserAvatar:           {"user_avatar", "avatars/%s/%s", rasterAnimated},
	ApplicationIcon:      {"application_icon", "app-icons/%s/%s", raster},
	ApplicationCover:     {"application_cover", "app-icons/%s/%s", raster},
	ApplicationAsset:     {"application_asset", "app-assets/%s/%s", raster},
	AchievementIcon:      {"achievement_icon", "app-assets/%s/achievements/%s/icons/%s", raster},
	StickerPackBanner:    {"sticker_pack_banner", "app-assets/710982414301790216/store/%s", raster},
	TeamIcon:             {"team_icon", "team-icons/%s/%s", raster},
	Sticker:              {"sticker", "stickers/%s", []Format{PNG, Lottie}},
}

// String returns the snake_case name of the category.
func (c Category) String() string {
	if ep, ok := endpoints[c]; ok {
		return ep.name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Segments returns how many path segments the category's URL takes.
func (c Category) Segments() int {
	return strings.Count(endpoints[c].pattern, "%s")
}

// Formats returns the formats the CDN serves for the category.
func (c Category) Formats() []Format {
	return slices.Clone(endpoints[c].formats)
}

// Supports reports whether the category is served in format f.
func (c Category) Supports(f Format) bool {
	return slices.Contains(endpoints[c].formats, f)
}

// Builder builds URLs against a configurable CDN root.
type Builder struct {
	base string
}

// NewBuilder returns a Builder rooted at base; an empty base selects DefaultBaseURL.
func NewBuilder(base string) *Builder {
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &Builder{base: base}
}

// URL returns the asset URL for category c rendered in format f.
func (b *Builder) URL(c Category, f Format, segments ...string) (string, error) {
	ep, ok := endpoints[c]
	if !ok {
		return "", fmt.Errorf("unknown asset category %d", int(c))
	}
	if !c.Supports(f) {
		return "", fmt.Errorf("%s as %s: %w", ep.name, f, ErrUnsupportedFormat)
	}
	if len(segments) != c.Segments() {
		return "", fmt.Errorf("%s needs %d segments, got %d: %w", ep.name, c.Segments(), len(segments), ErrSegmentCount)
	}
	args := make([]any, len(segments))
	for i, s := range segments {
		args[i] = s
	}
	return b.base + fmt.Sprintf(ep.pattern, args...) + "." + string(f), nil
}
