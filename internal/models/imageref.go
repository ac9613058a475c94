package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Known image file extensions and their MIME types. The stored-reference
// grammar only admits these extensions.
var (
	extByMIME = map[string]string{
		"image/jpeg": "jpg",
		"image/png":  "png",
		"image/webp": "webp",
		"image/gif":  "gif",
	}
	mimeByExt = map[string]string{
		"jpg":  "image/jpeg",
		"jpeg": "image/jpeg",
		"png":  "image/png",
		"webp": "image/webp",
		"gif":  "image/gif",
	}
)

// storedRefRe is the stored-reference grammar: "{entityId}/{blobId}.{ext}".
// Consumed everywhere a caller must decide whether a string is inline data
// or a pointer to a blob file.
var storedRefRe = regexp.MustCompile(`^([A-Za-z0-9_-]+)/([A-Za-z0-9_-]+)\.(jpg|jpeg|png|webp|gif)$`)

// idRe constrains entity and blob identifiers to path-safe characters.
var idRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID reports whether id is usable as a path component.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("identifier is empty")
	}
	if !idRe.MatchString(id) {
		return fmt.Errorf("identifier %q contains invalid characters", id)
	}
	return nil
}

// ExtForMIME returns the canonical file extension for an image MIME type.
func ExtForMIME(mime string) (string, bool) {
	ext, ok := extByMIME[strings.ToLower(mime)]
	return ext, ok
}

// MIMEForExt returns the MIME type for a known image file extension.
func MIMEForExt(ext string) (string, bool) {
	mime, ok := mimeByExt[strings.ToLower(ext)]
	return mime, ok
}

// InlineImage is raw image bytes plus a MIME tag. The payload is opaque to
// the store.
type InlineImage struct {
	Data []byte
	MIME string
}

// Clone returns a deep copy.
func (i InlineImage) Clone() InlineImage {
	return InlineImage{Data: append([]byte(nil), i.Data...), MIME: i.MIME}
}

// StoredRef points at a blob file under the entity-scoped path convention.
type StoredRef struct {
	EntityID string
	BlobID   string
	Ext      string
}

// String renders the ref in the wire grammar.
func (r StoredRef) String() string {
	return r.EntityID + "/" + r.BlobID + "." + r.Ext
}

// ParseStoredRef parses s against the stored-reference grammar. The second
// return value is false when s is not a stored reference.
func ParseStoredRef(s string) (StoredRef, bool) {
	m := storedRefRe.FindStringSubmatch(s)
	if m == nil {
		return StoredRef{}, false
	}
	return StoredRef{EntityID: m[1], BlobID: m[2], Ext: m[3]}, true
}

// ImageRef is a reference to image content: either inline bytes with a MIME
// tag, or a pointer to a stored blob. The zero value means "no image".
//
// On the wire a stored ref serializes to the "{entityId}/{blobId}.{ext}"
// grammar and inline data to a data: URL, matching the document format.
type ImageRef struct {
	inline *InlineImage
	stored *StoredRef
}

// NewInlineRef wraps raw bytes and a MIME type in a ref.
func NewInlineRef(img InlineImage) ImageRef {
	c := img.Clone()
	return ImageRef{inline: &c}
}

// NewStoredRef wraps a blob pointer in a ref.
func NewStoredRef(r StoredRef) ImageRef {
	return ImageRef{stored: &r}
}

// Inline returns the inline payload, if this ref carries one.
func (r ImageRef) Inline() (InlineImage, bool) {
	if r.inline == nil {
		return InlineImage{}, false
	}
	return *r.inline, true
}

// Stored returns the blob pointer, if this ref carries one.
func (r ImageRef) Stored() (StoredRef, bool) {
	if r.stored == nil {
		return StoredRef{}, false
	}
	return *r.stored, true
}

// IsZero reports whether the ref references nothing.
func (r ImageRef) IsZero() bool {
	return r.inline == nil && r.stored == nil
}

// Clone returns a deep copy.
func (r ImageRef) Clone() ImageRef {
	out := ImageRef{}
	if r.inline != nil {
		c := r.inline.Clone()
		out.inline = &c
	}
	if r.stored != nil {
		c := *r.stored
		out.stored = &c
	}
	return out
}

// String renders the ref in its wire form. Inline data renders as a data: URL.
func (r ImageRef) String() string {
	switch {
	case r.stored != nil:
		return r.stored.String()
	case r.inline != nil:
		return "data:" + r.inline.MIME + ";base64," + base64.StdEncoding.EncodeToString(r.inline.Data)
	default:
		return ""
	}
}

// MarshalJSON implements json.Marshaler. A zero ref marshals to null.
func (r ImageRef) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(r.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ImageRef) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("image ref must be a string or null: %w", err)
	}
	if s == nil || *s == "" {
		*r = ImageRef{}
		return nil
	}
	ref, err := ParseImageRef(*s)
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

// ParseImageRef parses the wire form of a ref: a stored reference in the
// path grammar, or a base64 data: URL.
func ParseImageRef(s string) (ImageRef, error) {
	if sr, ok := ParseStoredRef(s); ok {
		return NewStoredRef(sr), nil
	}
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found {
			return ImageRef{}, fmt.Errorf("malformed data URL")
		}
		mime, _ := strings.CutSuffix(meta, ";base64")
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return ImageRef{}, fmt.Errorf("malformed data URL payload: %w", err)
		}
		return ImageRef{inline: &InlineImage{Data: data, MIME: mime}}, nil
	}
	return ImageRef{}, fmt.Errorf("unrecognized image reference %q", s)
}
