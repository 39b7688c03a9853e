package remote

import (
	"errors"
	"testing"
)

func TestParseURL(t *testing.T) {
	t.Parallel()

	ref, ok := ParseURL("http://yourdomain.example.org/omero/webclient/?show=dataset-314")
	if !ok {
		t.Fatal("expected URL to parse")
	}
	want := ObjectRef{Host: "yourdomain.example.org", Type: "dataset", ID: 314}
	if ref != want {
		t.Fatalf("ParseURL = %+v, want %+v", ref, want)
	}

	if _, ok := ParseURL("http://example.org/omero/webclient/?show=image"); ok {
		t.Fatal("expected URL without id to be rejected")
	}
}

func TestParseObject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want ObjectRef
		ok   bool
	}{
		{"Image:1", ObjectRef{Type: "image", ID: 1}, true},
		{"omero://Project:77", ObjectRef{Type: "project", ID: 77}, true},
		{"Dataset:9", ObjectRef{Type: "dataset", ID: 9}, true},
		{"Roi:3", ObjectRef{}, false},
		{"image:3", ObjectRef{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseObject(tt.in)
			if ok != tt.ok {
				t.Fatalf("ParseObject(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if got != tt.want {
				t.Fatalf("ParseObject(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	ref, err := Resolve("https://idr.example.org/webclient/?show=image-4007801")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if !ref.IsImage() || ref.ID != 4007801 {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if ref.String() != "Image:4007801" {
		t.Fatalf("String() = %q", ref.String())
	}

	if _, err := Resolve("not a reference"); !errors.Is(err, ErrBadReference) {
		t.Fatalf("expected ErrBadReference, got %v", err)
	}
}
