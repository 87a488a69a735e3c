// color.go parses the CSS colour strings stored on embed templates into the packed
// 0xRRGGBB integer the chat platform expects.
package validation

import (
	"fmt"
	"math"
	"strings"

	"github.com/mazznoer/csscolorparser"
)

// ParseColor accepts any CSS colour: hex forms, rgb()/rgba(), hsl()/hsla(), hwb()
// and named colours. The alpha channel is parsed for validity but does not
// contribute to the result.
func ParseColor(s string) (uint32, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty colour")
	}
	c, err := csscolorparser.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("unsupported colour %q: %w", s, err)
	}
	return channel(c.R)<<16 | channel(c.G)<<8 | channel(c.B), nil
}

// ColorOrBlack returns the packed colour, or 0 when s does not parse.
func ColorOrBlack(s string) uint32 {
	c, err := ParseColor(s)
	if err != nil {
		return 0
	}
	return c
}

func channel(v float64) uint32 {
	return uint32(math.Round(math.Max(0, math.Min(1, v)) * 255))
}
