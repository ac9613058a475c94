// Package models defines the persisted domain types for shoots: the Shoot
// document, its generated images, reference locks, and the denormalized
// index entries derived from documents.
package models

import (
	"time"
)

// LockKind names one of the two reference-lock slots on a shoot.
type LockKind string

const (
	// LockKindStyle keeps later generations visually consistent with a
	// chosen style reference image.
	LockKindStyle LockKind = "style"
	// LockKindLocation pins the scene location to a reference image.
	LockKindLocation LockKind = "location"
)

// Valid reports whether k names a known lock slot.
func (k LockKind) Valid() bool {
	return k == LockKindStyle || k == LockKindLocation
}

// LockMode controls how strictly a reference lock constrains generation.
type LockMode string

const (
	// LockModeNone is the mode of a disabled slot.
	LockModeNone LockMode = "none"
	// LockModeSoft biases generation toward the reference.
	LockModeSoft LockMode = "soft"
	// LockModeStrict keeps the reference as a hard constraint.
	LockModeStrict LockMode = "strict"
)

// Valid reports whether m is a mode usable with SetLock.
func (m LockMode) Valid() bool {
	return m == LockModeSoft || m == LockModeStrict
}

// Shoot is the top-level persisted document for one photoshoot project.
type Shoot struct {
	ID              string           `json:"id" jsonschema:"description=Unique shoot identifier"`
	Label           string           `json:"label" jsonschema:"description=Human-readable shoot name"`
	Created         time.Time        `json:"createdAt" jsonschema:"description=Creation timestamp"`
	Modified        time.Time        `json:"updatedAt" jsonschema:"description=Last modification timestamp"`
	Params          map[string]any   `json:"params,omitempty" jsonschema:"description=Caller-owned generation presets and parameters"`
	GeneratedImages []GeneratedImage `json:"generatedImages" jsonschema:"description=Generated images in insertion order"`
	Locks           Locks            `json:"locks" jsonschema:"description=Reference lock slots"`
}

// Clone returns a deep copy.
func (s *Shoot) Clone() *Shoot {
	if s == nil {
		return nil
	}
	out := *s
	out.Params = cloneAnyMap(s.Params)
	out.GeneratedImages = make([]GeneratedImage, len(s.GeneratedImages))
	for i := range s.GeneratedImages {
		out.GeneratedImages[i] = s.GeneratedImages[i].Clone()
	}
	out.Locks = s.Locks.Clone()
	return &out
}

// GeneratedImage is one generated image attached to a shoot.
type GeneratedImage struct {
	ID                  string         `json:"id" jsonschema:"description=Image identifier, unique within the shoot"`
	Ref                 ImageRef       `json:"url" jsonschema:"description=Stored blob reference or inline data URL"`
	Created             time.Time      `json:"createdAt" jsonschema:"description=Generation timestamp"`
	IsStyleReference    bool           `json:"isStyleReference" jsonschema:"description=Set when this image backs the style lock"`
	IsLocationReference bool           `json:"isLocationReference" jsonschema:"description=Set when this image backs the location lock"`
	Meta                map[string]any `json:"metadata,omitempty" jsonschema:"description=Caller-owned generation parameters and prompt text"`
}

// Clone returns a deep copy.
func (g GeneratedImage) Clone() GeneratedImage {
	out := g
	out.Ref = g.Ref.Clone()
	out.Meta = cloneAnyMap(g.Meta)
	return out
}

// Locks holds the two named reference-lock slots of a shoot.
type Locks struct {
	Style    LockSlot `json:"style" jsonschema:"description=Style reference lock"`
	Location LockSlot `json:"location" jsonschema:"description=Location reference lock"`
}

// Clone returns a deep copy.
func (l Locks) Clone() Locks {
	return Locks{Style: l.Style.Clone(), Location: l.Location.Clone()}
}

// Slot returns the slot for kind. The second return value is false for an
// unknown kind.
func (l *Locks) Slot(kind LockKind) (*LockSlot, bool) {
	switch kind {
	case LockKindStyle:
		return &l.Style, true
	case LockKindLocation:
		return &l.Location, true
	default:
		return nil, false
	}
}

// LockSlot is one reference-lock slot. SourceImageID is a weak reference,
// looked up by value in the image list; SourceImageURL is a copy of the
// referenced image's ref, kept in sync by the lock-setting operation.
type LockSlot struct {
	Enabled        bool     `json:"enabled" jsonschema:"description=Whether the lock is active"`
	Mode           LockMode `json:"mode" jsonschema:"description=Lock mode: strict, soft or none"`
	SourceImageID  string   `json:"sourceImageId,omitempty" jsonschema:"description=Identifier of the referenced image"`
	SourceImageURL ImageRef `json:"sourceImageUrl" jsonschema:"description=Copy of the referenced image's ref"`
}

// Clone returns a deep copy.
func (s LockSlot) Clone() LockSlot {
	out := s
	out.SourceImageURL = s.SourceImageURL.Clone()
	return out
}

// DisabledLockSlot is the state a slot transitions to on clear or cascade.
func DisabledLockSlot() LockSlot {
	return LockSlot{Enabled: false, Mode: LockModeNone}
}

// IndexEntry is the denormalized listing summary for one shoot. It is
// entirely derivable from the Shoot document and never hand-edited.
type IndexEntry struct {
	ID              string    `json:"id"`
	Label           string    `json:"label"`
	ImageCount      int       `json:"imageCount"`
	Created         time.Time `json:"createdAt"`
	Modified        time.Time `json:"updatedAt"`
	HasStyleLock    bool      `json:"hasStyleLock"`
	HasLocationLock bool      `json:"hasLocationLock"`
	Preview         ImageRef  `json:"previewUrl"`
}

// cloneAnyMap deep-copies a JSON-shaped map (maps, slices and scalars).
func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAnyValue(v)
	}
	return out
}

func cloneAnyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAnyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAnyValue(e)
		}
		return out
	default:
		return v
	}
}
