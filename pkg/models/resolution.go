package models

import (
	"errors"
	"fmt"
	"strings"
)

// ResolutionFamily groups terminal outcomes of a decision run
type ResolutionFamily string

const (
	FamilyAutoFixed    ResolutionFamily = "auto-fixed"
	FamilyEscalated    ResolutionFamily = "escalated"
	FamilyUserResolved ResolutionFamily = "user-resolved"
)

// ErrAlreadyResolved is returned when a run's resolution is set twice
var ErrAlreadyResolved = errors.New("run already resolved")

// Resolution is the single recorded outcome of a decision run
type Resolution struct {
	Family ResolutionFamily `json:"family"`
	Detail string           `json:"detail"`
}

// NewResolution builds a resolution, filling in a detail when none is given
func NewResolution(family ResolutionFamily, format string, args ...interface{}) Resolution {
	detail := strings.TrimSpace(fmt.Sprintf(format, args...))
	if detail == "" {
		detail = "no detail"
	}
	return Resolution{Family: family, Detail: detail}
}

// String renders the resolution as "<family>: <detail>"
func (r Resolution) String() string {
	return fmt.Sprintf("%s: %s", r.Family, r.Detail)
}

// ParseResolution parses the "<family>: <detail>" form
func ParseResolution(s string) (Resolution, error) {
	family, detail, ok := strings.Cut(s, ":")
	if !ok {
		return Resolution{}, fmt.Errorf("malformed resolution %q", s)
	}
	f := ResolutionFamily(strings.TrimSpace(family))
	switch f {
	case FamilyAutoFixed, FamilyEscalated, FamilyUserResolved:
	default:
		return Resolution{}, fmt.Errorf("unknown resolution family %q", family)
	}
	return Resolution{Family: f, Detail: strings.TrimSpace(detail)}, nil
}
