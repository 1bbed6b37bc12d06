// Package release manages the releases/ and packages/ layout on a host and
// the current/previous link pair.
package release

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/Kami/django-deployment-script/internal/deployerr"
)

// IDLayout is the time layout of generated release identifiers.
const IDLayout = "20060102150405"

// Reserved link names inside releases/.
const (
	Current      = "current"
	Previous     = "previous"
	stageCurrent = "_current"
	stagePrev    = "_previous"
)

var idPattern = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z._-]*$`)

// ValidateID rejects identifiers that could escape releases/ or collide with
// the link names.
func ValidateID(id string) error {
	switch id {
	case "":
		return deployerr.Precondition("release id", "release")
	case Current, Previous, stageCurrent, stagePrev:
		return deployerr.Newf(deployerr.KindPrecondition, "release id", "%q is a reserved name", id)
	}
	if !idPattern.MatchString(id) {
		return deployerr.Newf(deployerr.KindPrecondition, "release id", "invalid release id %q", id)
	}
	return nil
}

// Generator hands out strictly increasing timestamp identifiers.
type Generator struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewGenerator returns a generator reading time from now; nil uses time.Now.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

// Next returns a new identifier. Two calls within the same second get
// consecutive seconds.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.now().UTC().Truncate(time.Second)
	if !t.After(g.last) {
		t = g.last.Add(time.Second)
	}
	g.last = t
	return t.Format(IDLayout)
}

// ParseTime returns the time encoded in a generated identifier.
func ParseTime(id string) (time.Time, error) {
	t, err := time.ParseInLocation(IDLayout, id, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("release %s is not a timestamp: %w", id, err)
	}
	return t, nil
}
