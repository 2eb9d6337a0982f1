// Package validation provides input guards shared by the handler layer.
package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/localretrieve/localretrieve/internal/errors"
)

const (
	// MaxQueryLength is the maximum accepted query length in characters.
	MaxQueryLength = 1000

	// MaxDocumentIDLength bounds caller-supplied document ids.
	MaxDocumentIDLength = 256
)

// collectionNameRe matches collection names safe to embed in table names.
var collectionNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)

// Query validates a search or embedding query string.
func Query(q string) error {
	if strings.TrimSpace(q) == "" {
		return errors.ValidationError("query must not be empty")
	}
	if n := utf8.RuneCountInString(q); n > MaxQueryLength {
		return errors.Newf(errors.CodeValidation,
			"query too long: %d characters (max %d)", n, MaxQueryLength)
	}
	return nil
}

// CollectionName validates a collection name. Names become part of table
// names, so only identifier characters are accepted.
func CollectionName(name string) error {
	if name == "" {
		return errors.ValidationError("collection name must not be empty")
	}
	if !collectionNameRe.MatchString(name) {
		return errors.Newf(errors.CodeValidation,
			"invalid collection name %q: must start with a letter and contain only letters, digits, underscores", name)
	}
	return nil
}

// DocumentID validates a caller-supplied document id.
func DocumentID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.ValidationError("document id must not be empty")
	}
	if len(id) > MaxDocumentIDLength {
		return errors.Newf(errors.CodeValidation,
			"document id too long: %d characters (max %d)", len(id), MaxDocumentIDLength)
	}
	return nil
}

// Limit clamps a caller-supplied result limit to [1, max], with def for zero.
func Limit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
