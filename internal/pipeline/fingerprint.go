// Package pipeline turns queries into embedding vectors: normalize and
// fingerprint, coalesce concurrent identical requests, walk the cache
// tiers, and only then call the provider.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/localretrieve/localretrieve/internal/storage"
)

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Normalize applies a collection's preprocessing to query text: trim,
// optional html strip, whitespace collapse, optional lowercase, length cap.
func Normalize(text string, opts storage.PreprocessingOptions) string {
	out := strings.TrimSpace(text)
	if opts.StripHTML {
		out = htmlTagRe.ReplaceAllString(out, " ")
	}
	out = whitespaceRe.ReplaceAllString(out, " ")
	out = strings.TrimSpace(out)
	if opts.Lowercase {
		out = strings.ToLower(out)
	}
	if opts.MaxLength > 0 && len(out) > opts.MaxLength {
		out = out[:opts.MaxLength]
	}
	return out
}

// fingerprintInput is the canonical hash input. Field order is fixed by
// the struct; timestamps never participate, so logically-equivalent
// requests always collide.
type fingerprintInput struct {
	Text          string                       `json:"text"`
	Provider      string                       `json:"provider"`
	Model         string                       `json:"model"`
	Dimensions    int                          `json:"dimensions"`
	Preprocessing storage.PreprocessingOptions `json:"preprocessing"`
	Extra         map[string]string            `json:"extra,omitempty"`
}

// Fingerprint hashes everything that affects an embedding's value.
func Fingerprint(normalizedText string, cfg *storage.CollectionConfig) string {
	input := fingerprintInput{
		Text:          normalizedText,
		Provider:      cfg.Provider,
		Model:         cfg.Model,
		Dimensions:    cfg.Dimensions,
		Preprocessing: cfg.Preprocessing,
		Extra:         cfg.Extra,
	}
	data, _ := json.Marshal(input)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
