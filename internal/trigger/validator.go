package trigger

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxPathLength           = 1024
	maxIdempotencyKeyLength = 255
)

// Indexer names become search resource names, which allow lowercase
// letters, digits and dashes.
var indexerNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,120}$`)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	var parts []string
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	return strings.Join(parts, "; ")
}

// ValidateIngestRequest checks the request fields and returns a
// ValidationError naming every invalid one.
func ValidateIngestRequest(req *IngestRequest) error {
	errs := make(map[string]string)

	checkPath := func(field, value string) {
		switch {
		case strings.TrimSpace(value) == "":
			errs[field] = field + " is required"
		case len(value) > maxPathLength:
			errs[field] = fmt.Sprintf("%s must be at most %d characters", field, maxPathLength)
		}
	}
	checkPath("source_folder_path", req.SourceFolderPath)
	checkPath("searchitems_folder_path", req.SearchItemsFolderPath)

	// Cleanup deletes everything under the items folder, so the two trees
	// must not overlap.
	if len(errs) == 0 && overlaps(req.SourceFolderPath, req.SearchItemsFolderPath) {
		errs["searchitems_folder_path"] = "must not overlap source_folder_path"
	}

	switch {
	case req.SearchIndexerName == "":
		errs["searchindexer_name"] = "searchindexer_name is required"
	case !indexerNamePattern.MatchString(req.SearchIndexerName):
		errs["searchindexer_name"] = "must match [a-z0-9-] and start with a letter or digit"
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLength {
		errs["idempotency_key"] = fmt.Sprintf("idempotency key must be at most %d characters", maxIdempotencyKeyLength)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func overlaps(a, b string) bool {
	a, b = NormalizePrefix(a), NormalizePrefix(b)
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

// NormalizePrefix turns a folder path into a blob prefix ending in "/".
func NormalizePrefix(p string) string {
	p = strings.TrimLeft(strings.TrimSpace(p), "/")
	if p != "" && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
