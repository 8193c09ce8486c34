// Package filename maps scanned mail file names onto user and source attribution.
//
// Names follow the scanner convention user<id>_<date>_<source>.pdf, where the
// separators may be underscores or hyphens and the id may carry leading zeros.
// The source slug ends at the first underscore, hyphen or dot after the date,
// so "user12_2025-11-01_bank-letter.pdf" attributes to source "bank".
package filename

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cyderes/mail-intake-service/internal/models"
)

var pattern = regexp.MustCompile(`^user0*(\d+)[_-][\d_-]+[_-]([^_\-.]+)`)

// Parse returns the attribution encoded in name and whether it matched.
func Parse(name string) (models.Attribution, bool) {
	if name == "" {
		return models.Attribution{}, false
	}
	base := name
	if len(base) >= 4 && strings.EqualFold(base[len(base)-4:], ".pdf") {
		base = base[:len(base)-4]
	}

	m := pattern.FindStringSubmatch(base)
	if m == nil {
		return models.Attribution{}, false
	}

	userID, err := strconv.Atoi(m[1])
	if err != nil || userID <= 0 {
		return models.Attribution{}, false
	}
	slug := strings.ToLower(strings.TrimSpace(m[2]))
	if slug == "" {
		return models.Attribution{}, false
	}
	return models.Attribution{UserID: userID, SourceSlug: slug}, true
}
