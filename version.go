package resolution

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

const versionTimeLayout = "20060102150405"

const versionAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

var versionPattern = regexp.MustCompile(`^\d{14}-[0-9a-z]{3}$`)

// A Version identifies a single run of a dataset. Its id is a UTC timestamp
// followed by a short random suffix, e.g. "20240131120000-x7k", such that the
// lexical order of ids is the chronological order of runs.
type Version struct {
	ID   string
	Time time.Time
}

// NewVersion returns a fresh version for a run starting at t.
func NewVersion(t time.Time) Version {
	t = t.UTC().Truncate(time.Second)
	u := uuid.New()
	suffix := make([]byte, 3)
	for i := range suffix {
		suffix[i] = versionAlphabet[int(u[i])%len(versionAlphabet)]
	}
	return Version{ID: t.Format(versionTimeLayout) + "-" + string(suffix), Time: t}
}

// ParseVersion parses a version id.
func ParseVersion(id string) (Version, error) {
	if !versionPattern.MatchString(id) {
		return Version{}, fmt.Errorf("malformed version %q", id)
	}
	t, err := time.Parse(versionTimeLayout, id[:14])
	if err != nil {
		return Version{}, fmt.Errorf("version %q: %w", id, err)
	}
	return Version{ID: id, Time: t}, nil
}

func (v Version) String() string { return v.ID }

// Compare orders versions chronologically; see strings.Compare.
func (v Version) Compare(other Version) int {
	switch {
	case v.ID < other.ID:
		return -1
	case v.ID > other.ID:
		return 1
	}
	return 0
}

func (v Version) MarshalText() ([]byte, error) { return []byte(v.ID), nil }

func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
