// Package script defines the performance script model and compiles it into
// the dependency-ordered generation tasks consumed by the orchestrator.
package script

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Event types. N events are single non-interactive scenes; R events carry a
// prologue, one scene per decision option and an ending per outcome; SR
// events repeat that pattern across multiple stages. Branch enumeration is
// resolved upstream by the planner; the script arrives with every reachable
// scene already listed.
const (
	EventN  = "N"
	EventR  = "R"
	EventSR = "SR"
)

// Task kinds.
const (
	KindImage = "image"
	KindVideo = "video"
)

// Script is the performance script for one character-day.
type Script struct {
	CharacterID string  `json:"character_id"`
	Date        string  `json:"date"`
	Events      []Event `json:"events"`
}

// Event is one schedulable time slot.
type Event struct {
	TimeSlot string  `json:"time_slot"`
	Type     string  `json:"event_type"`
	Name     string  `json:"event_name"`
	Scenes   []Scene `json:"scenes"`
}

// Scene is one performance unit requiring generated media. A scene needs an
// image prompt, a video prompt, or both; the video's first frame is always
// sourced from the generated image.
type Scene struct {
	Title              string   `json:"scene_title"`
	Branch             string   `json:"branch,omitempty"` // e.g. "prologue", "1_A", "ending_a"
	ImagePrompt        string   `json:"image_prompt,omitempty"`
	VideoPrompt        string   `json:"video_prompt,omitempty"`
	CharacterProfile   string   `json:"character_profile,omitempty"`
	StyleTags          string   `json:"style_tags,omitempty"`
	InvolvedCharacters []string `json:"involved_characters,omitempty"`
}

// Task is one request to one provider for one asset. Tasks are created once
// by the compiler and owned by the orchestrator afterwards.
type Task struct {
	ID            string
	SceneID       string
	SceneTitle    string
	EventType     string
	EventName     string
	TimeSlot      string
	Branch        string
	Kind          string
	Prompt        string
	ReferenceURLs []string // character reference images, image tasks only
	DependsOn     string   // task ID whose asset this task waits on
}

// Load reads a performance script from a JSON file.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if len(s.Events) == 0 {
		return nil, fmt.Errorf("script has no events")
	}
	return &s, nil
}

// TaskID builds the task identifier for a scene and kind.
func TaskID(sceneID, kind string) string {
	return sceneID + "." + kind
}

// AssetFilename returns the output filename for a task's downloaded asset,
// following the scene naming scheme.
func AssetFilename(sceneID, kind string) string {
	if kind == KindImage {
		return sceneID + "_frame.png"
	}
	return sceneID + ".mp4"
}

// cleanLabel reduces a free-form title to a filename-safe label: letters,
// digits and underscores only, capped at 40 characters.
func cleanLabel(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('_')
		}
	}
	label := strings.Trim(b.String(), "_")
	for strings.Contains(label, "__") {
		label = strings.ReplaceAll(label, "__", "_")
	}
	if len(label) > 40 {
		label = label[:40]
	}
	if label == "" {
		label = "scene"
	}
	return label
}

// normalizeTimeSlot turns "09:00-11:00" into the path-safe "09-00-11-00".
func normalizeTimeSlot(slot string) string {
	return strings.ReplaceAll(strings.ReplaceAll(slot, ":", "-"), "–", "-")
}
