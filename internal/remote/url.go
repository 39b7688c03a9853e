package remote

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrBadReference is returned when a string names no known object.
var ErrBadReference = errors.New("not an image server object reference")

var (
	webclientPattern = regexp.MustCompile(
		`https?://(?P<host>[^/]+).*/webclient/\?show=(?P<type>[a-z]+)-(?P<id>[0-9]+)`)
	objectPattern = regexp.MustCompile(`(?P<type>Image|Dataset|Project):(?P<id>[0-9]+)`)
)

// ObjectRef points to an object on an image server.
type ObjectRef struct {
	Host string `json:"host,omitempty"`
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// String formats the reference as "Type:ID".
func (o ObjectRef) String() string {
	if o.Type == "" {
		return strconv.FormatInt(o.ID, 10)
	}
	return strings.ToUpper(o.Type[:1]) + o.Type[1:] + ":" + strconv.FormatInt(o.ID, 10)
}

// IsImage reports whether the reference names an image.
func (o ObjectRef) IsImage() bool {
	return o.Type == "image"
}

// ParseURL extracts the object from a web client link such as
// https://example.org/omero/webclient/?show=image-42.
func ParseURL(s string) (ObjectRef, bool) {
	m := webclientPattern.FindStringSubmatch(s)
	if m == nil {
		return ObjectRef{}, false
	}
	id, err := strconv.ParseInt(m[webclientPattern.SubexpIndex("id")], 10, 64)
	if err != nil {
		return ObjectRef{}, false
	}
	return ObjectRef{
		Host: m[webclientPattern.SubexpIndex("host")],
		Type: m[webclientPattern.SubexpIndex("type")],
		ID:   id,
	}, true
}

// ParseObject extracts the object from a proxy string such as "Image:42",
// optionally embedded in a longer path like "omero://Image:42".
func ParseObject(s string) (ObjectRef, bool) {
	m := objectPattern.FindStringSubmatch(s)
	if m == nil {
		return ObjectRef{}, false
	}
	id, err := strconv.ParseInt(m[objectPattern.SubexpIndex("id")], 10, 64)
	if err != nil {
		return ObjectRef{}, false
	}
	return ObjectRef{
		Type: strings.ToLower(m[objectPattern.SubexpIndex("type")]),
		ID:   id,
	}, true
}

// Resolve accepts either a web client URL or an object string.
func Resolve(s string) (ObjectRef, error) {
	s = strings.TrimSpace(s)
	if ref, ok := ParseURL(s); ok {
		return ref, nil
	}
	if ref, ok := ParseObject(s); ok {
		return ref, nil
	}
	return ObjectRef{}, fmt.Errorf("%w: %q", ErrBadReference, s)
}
