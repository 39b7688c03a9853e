package api

import (
	"github.com/omeroview/server/internal/service"
)

// SourceInfo contains information about an image source for the API response.
type SourceInfo struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Session uint64 `json:"session"`
}

// SourceRegistry holds image services for all configured sources.
type SourceRegistry struct {
	services      map[string]*service.ImageService
	kinds         map[string]string
	defaultSource string
	sourceOrder   []string
	title         string
}

// NewSourceRegistry creates a new source registry.
func NewSourceRegistry(defaultSource string, title string) *SourceRegistry {
	return &SourceRegistry{
		services:      make(map[string]*service.ImageService),
		kinds:         make(map[string]string),
		defaultSource: defaultSource,
		title:         title,
	}
}

// Register adds an image service for a source. Sources are listed in
// registration order; the first one becomes the default if none was set.
func (r *SourceRegistry) Register(sourceID, kind string, svc *service.ImageService) {
	if _, ok := r.services[sourceID]; !ok {
		r.sourceOrder = append(r.sourceOrder, sourceID)
	}
	r.services[sourceID] = svc
	r.kinds[sourceID] = kind
	if r.defaultSource == "" {
		r.defaultSource = sourceID
	}
}

// Get returns the image service for a source, or nil if not found.
func (r *SourceRegistry) Get(sourceID string) *service.ImageService {
	return r.services[sourceID]
}

// DefaultSourceID returns the default source ID.
func (r *SourceRegistry) DefaultSourceID() string {
	return r.defaultSource
}

// Title returns the configured site title.
func (r *SourceRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "omeroview"
}

// Sources returns source info for all registered sources.
func (r *SourceRegistry) Sources() []SourceInfo {
	infos := make([]SourceInfo, 0, len(r.sourceOrder))
	for _, id := range r.sourceOrder {
		infos = append(infos, SourceInfo{
			ID:      id,
			Kind:    r.kinds[id],
			Session: r.services[id].Session(),
		})
	}
	return infos
}

// Close releases every registered source.
func (r *SourceRegistry) Close() {
	for _, id := range r.sourceOrder {
		r.services[id].Close()
	}
}
