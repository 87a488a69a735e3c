// snowflake.go validates the numeric identifiers the chat platform assigns to guilds,
// channels, users, and roles.
package validation

import (
	"fmt"
	"strconv"
)

// ValidateSnowflake checks that id is a non-zero unsigned 64-bit decimal integer.
func ValidateSnowflake(id string) error {
	if id == "" {
		return fmt.Errorf("identifier is empty")
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return fmt.Errorf("identifier %q must contain only digits", id)
		}
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return fmt.Errorf("identifier %q is out of range: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("identifier must be non-zero")
	}
	return nil
}

// IsSnowflake reports whether id passes ValidateSnowflake.
func IsSnowflake(id string) bool {
	return ValidateSnowflake(id) == nil
}
