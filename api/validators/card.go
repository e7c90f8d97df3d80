package validators

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var now = time.Now

// validCardExpiry accepts MM/YY or MM/YYYY for the current month or later.
func validCardExpiry(fl validator.FieldLevel) bool {
	month, year, ok := parseExpiry(fl.Field().String())
	if !ok {
		return false
	}
	current := now().UTC()
	if year != current.Year() {
		return year > current.Year()
	}
	return month >= int(current.Month())
}

func parseExpiry(raw string) (int, int, bool) {
	parts := strings.Split(strings.TrimSpace(raw), "/")
	if len(parts) != 2 {
		return 0, 0, false
	}
	month, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || month < 1 || month > 12 {
		return 0, 0, false
	}
	yearPart := strings.TrimSpace(parts[1])
	year, err := strconv.Atoi(yearPart)
	if err != nil {
		return 0, 0, false
	}
	switch len(yearPart) {
	case 2:
		year += 2000
	case 4:
	default:
		return 0, 0, false
	}
	return month, year, true
}
