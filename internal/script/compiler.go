package script

import (
	"fmt"
	"strings"
)

// CompileError records a scene or event the compiler could not turn into
// tasks. Compilation continues past it; only the offending unit is dropped.
type CompileError struct {
	SceneID string
	Reason  string
}

// Compilation is the output of Compile: the dependency-ordered task list plus
// the per-scene errors encountered along the way.
type Compilation struct {
	Tasks  []*Task
	Errors []CompileError
}

// CompileOptions tunes a compilation run.
type CompileOptions struct {
	// TimeSlots, when non-empty, restricts compilation to events in the
	// listed slots.
	TimeSlots []string

	// ReferenceLookup resolves involved character names to pre-uploaded
	// reference image URLs. May be nil.
	ReferenceLookup func(names []string) []string
}

// Compile walks the script in order and emits one image task per scene, plus
// one video task per scene that carries a video prompt. The video task
// depends on the image task: its first frame is the generated image. Scenes
// that cannot be compiled produce a CompileError and are skipped without
// affecting their siblings.
func Compile(s *Script, opts CompileOptions) *Compilation {
	c := &Compilation{}

	slotFilter := map[string]bool{}
	for _, slot := range opts.TimeSlots {
		slotFilter[slot] = true
	}

	for i, ev := range s.Events {
		eventIdx := i + 1

		if len(slotFilter) > 0 && !slotFilter[ev.TimeSlot] {
			continue
		}

		if reason := validateEvent(ev); reason != "" {
			c.Errors = append(c.Errors, CompileError{
				SceneID: fmt.Sprintf("%s_%02d", eventLabel(ev), eventIdx),
				Reason:  reason,
			})
			continue
		}

		for j, scene := range ev.Scenes {
			sceneID := buildSceneID(ev, eventIdx, j+1, scene)

			if scene.ImagePrompt == "" && scene.VideoPrompt == "" {
				c.Errors = append(c.Errors, CompileError{
					SceneID: sceneID,
					Reason:  "scene has neither an image prompt nor a video prompt",
				})
				continue
			}

			var refs []string
			if opts.ReferenceLookup != nil && len(scene.InvolvedCharacters) > 0 {
				refs = opts.ReferenceLookup(scene.InvolvedCharacters)
			}

			// The image prompt falls back to the video prompt: every
			// video needs a generated first frame even when the script
			// only describes motion.
			imagePrompt := scene.ImagePrompt
			if imagePrompt == "" {
				imagePrompt = scene.VideoPrompt
			}

			imageTask := &Task{
				ID:            TaskID(sceneID, KindImage),
				SceneID:       sceneID,
				SceneTitle:    scene.Title,
				EventType:     ev.Type,
				EventName:     ev.Name,
				TimeSlot:      ev.TimeSlot,
				Branch:        scene.Branch,
				Kind:          KindImage,
				Prompt:        composePrompt(imagePrompt, scene),
				ReferenceURLs: refs,
			}
			c.Tasks = append(c.Tasks, imageTask)

			if scene.VideoPrompt != "" {
				c.Tasks = append(c.Tasks, &Task{
					ID:         TaskID(sceneID, KindVideo),
					SceneID:    sceneID,
					SceneTitle: scene.Title,
					EventType:  ev.Type,
					EventName:  ev.Name,
					TimeSlot:   ev.TimeSlot,
					Branch:     scene.Branch,
					Kind:       KindVideo,
					Prompt:     composePrompt(scene.VideoPrompt, scene),
					DependsOn:  imageTask.ID,
				})
			}
		}
	}

	return c
}

func validateEvent(ev Event) string {
	if ev.TimeSlot == "" {
		return "event has no time slot"
	}
	switch ev.Type {
	case EventN, EventR, EventSR:
	default:
		return fmt.Sprintf("unknown event type %q", ev.Type)
	}
	if len(ev.Scenes) == 0 {
		return "event has no scenes"
	}
	if ev.Type == EventN && len(ev.Scenes) != 1 {
		return fmt.Sprintf("N event must have exactly one scene, got %d", len(ev.Scenes))
	}
	return ""
}

// buildSceneID builds the canonical scene identifier:
// <timeslot>_<type>_<eventIdx>_<seq>_<label>, e.g. 09-00-11-00_R_02_003_cafe_confession.
func buildSceneID(ev Event, eventIdx, seq int, scene Scene) string {
	label := scene.Branch
	if label == "" {
		label = scene.Title
	}
	if label == "" {
		label = ev.Name
	}
	return fmt.Sprintf("%s_%s_%02d_%03d_%s",
		normalizeTimeSlot(ev.TimeSlot), ev.Type, eventIdx, seq, cleanLabel(label))
}

func eventLabel(ev Event) string {
	if ev.TimeSlot != "" {
		return normalizeTimeSlot(ev.TimeSlot)
	}
	return cleanLabel(ev.Name)
}

// composePrompt appends the scene's character profile and style tags to the
// base prompt so every provider receives a self-contained description.
func composePrompt(base string, scene Scene) string {
	parts := []string{strings.TrimSpace(base)}
	if p := strings.TrimSpace(scene.CharacterProfile); p != "" {
		parts = append(parts, "Character: "+p)
	}
	if t := strings.TrimSpace(scene.StyleTags); t != "" {
		parts = append(parts, "Style: "+t)
	}
	return strings.Join(parts, "\n\n")
}
