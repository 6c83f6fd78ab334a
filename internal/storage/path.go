package storage

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// RunArtifactKey places an artifact of one evaluation run under its start
// date: date=YYYY-MM-DD/run=<id>/<name>.
func RunArtifactKey(runID string, startedAt time.Time, name string) (string, error) {
	if err := validatePathComponent(runID, "run id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(name, "artifact name"); err != nil {
		return "", err
	}
	ts := startedAt.UTC()
	return path.Join(
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		"run="+runID,
		name,
	), nil
}

// ParseObjectURI splits s3://bucket/key. ok is false for anything that is
// not an s3 URI, such as a local path.
func ParseObjectURI(raw string) (bucket, key string, ok bool, err error) {
	if !strings.HasPrefix(strings.ToLower(raw), "s3://") {
		return "", "", false, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", true, fmt.Errorf("parse object uri: %w", err)
	}
	bucket = parsed.Host
	key = strings.TrimPrefix(parsed.Path, "/")
	if bucket == "" || key == "" {
		return "", "", true, fmt.Errorf("object uri %q needs a bucket and a key", raw)
	}
	return bucket, key, true, nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
