package script

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// characterImages is one character's pre-uploaded reference views.
type characterImages struct {
	Front string `json:"front"`
	Side  string `json:"side,omitempty"`
	Back  string `json:"back,omitempty"`
}

// ReferenceImages maps lower-cased character names to their uploaded views.
type ReferenceImages map[string]characterImages

// LoadReferenceImages reads a character-to-image-URL mapping file. A missing
// path is not an error; submissions simply carry no reference images.
func LoadReferenceImages(path string) (ReferenceImages, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference images: %w", err)
	}
	raw := map[string]characterImages{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse reference images: %w", err)
	}
	m := make(ReferenceImages, len(raw))
	for name, imgs := range raw {
		m[strings.ToLower(name)] = imgs
	}
	return m, nil
}

// Lookup returns the front-view URLs for the named characters, in order,
// skipping characters with no mapping. Safe on a nil receiver.
func (r ReferenceImages) Lookup(names []string) []string {
	if len(r) == 0 {
		return nil
	}
	var urls []string
	for _, name := range names {
		if imgs, ok := r[strings.ToLower(name)]; ok && imgs.Front != "" {
			urls = append(urls, imgs.Front)
		}
	}
	return urls
}
