package gen

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/dulorai/tmdh-studio/internal/model"
)

// shotTypeDescriptions — режиссерские инструкции для каждого типа кадра.
var shotTypeDescriptions = map[string]string{
	"Full Shot":              "A cinematic full shot capturing the character from head to toe.",
	"Medium Shot":            "A cinematic medium shot capturing the character from the waist up.",
	"Ultra Close-up Shot":    "Ultra Close-Up (Emotional Focus): This shot exposes the character's inner world. It focuses on the eyes, lips, or a subtle movement to capture an emotion that can't be spoken, heightening tension or tenderness.",
	"Over the Shoulder Shot": "A cinematic over-the-shoulder shot, looking past one character towards another or the main point of interest.",
	"Low Angle Shot":         "A cinematic low-angle shot, looking up at the character to make them seem powerful or significant.",
	"Object Close-up":        "A tight, detailed shot that focuses on a single symbolic or narrative detail, such as a key prop, a character's hands, or a specific object they are interacting with. Directs the audience's attention to something of significance.",
	"Aerial View":            "A cinematic aerial view shot from high above, looking down on the scene.",
	"Insert Shot":            "A short, detailed shot isolating an object, gesture, or small action crucial to the scene's meaning or rhythm. It anchors emotion or mood, like a hand gripping a photo or rain on a windowpane, serving as a breath between the main action.",
	"Establishing Shot":      "A very wide establishing shot that shows the entire setting and context.",
}

// detailPrompts — промпты пре-пасса для типов кадров, которым нужно
// отдельное описание детали вместо общего описания сцены.
var detailPrompts = map[string]string{
	"Object Close-up": `You are a cinematographer. Analyze the following scene description and describe the perfect 'Object Close-up' shot. This shot should focus on a single, symbolic, and narratively important detail. This could be a key object, a character's hand performing an action, or a specific feature of the environment. Your response should be a concise, descriptive phrase suitable for an AI image generator.

Example:
- Scene: "She nervously waits, twisting the ring on her finger." -> Response: "A macro shot of a hand, fingers anxiously twisting a silver ring."

Scene Description: "%s"

Respond with ONLY the descriptive phrase.`,
	"Insert Shot": `You are a film editor. Analyze the following scene description and suggest a powerful 'Insert Shot'. This shot should be a brief, detailed close-up of a small action, object, or gesture that anchors the emotion or mood without directly advancing the plot. Think of it as a breath between the main action.

Example:
- Scene: "He waits nervously for the news, tapping his fingers on the table." -> Response: "A single drop of rain tracing a path down a dark windowpane."

Scene Description: "%s"

Respond with ONLY the descriptive phrase for the insert shot.`,
}

const styleAnalysisPrompt = "Analyze this image and describe its artistic style in a concise phrase suitable for an AI image generator. Focus on color, lighting, mood, and medium (e.g., 'Vibrant Ghibli-style anime, soft natural lighting, peaceful mood' or 'Dark, gritty neo-noir comic book art, high contrast, dramatic shadows'). Do not describe the people or objects in the image."

// buildSplitPrompt собирает промпт разбиения текста на сцены.
func buildSplitPrompt(text string, sceneCount int) string {
	return fmt.Sprintf(`You are an expert music video director. Split the following text into %d cohesive scenes. For each scene, provide:
1. "lyrics": The original chunk of the text for that scene.
2. "description": A vivid, one-sentence visual description of the main action.
3. "setting": A detailed, multi-sentence description of the background, environment, and any key objects. This will be used to ensure consistency across multiple shots.

Respond ONLY with a JSON array of objects with "lyrics", "description", and "setting" keys.

Text:
---
%s
---
`, sceneCount, text)
}

// buildShotPrompt собирает основной промпт генерации кадра.
func buildShotPrompt(req ShotRequest, finalDescription string) string {
	characterNames := make([]string, len(req.Characters))
	for i, ch := range req.Characters {
		characterNames[i] = fmt.Sprintf("%q", ch.Name)
	}
	names := strings.Join(characterNames, " and ")

	characterInstruction := "No specific characters are required in this shot."
	if len(req.Characters) > 0 {
		characterInstruction = fmt.Sprintf("The scene features %s. **Crucial Rule:** You MUST use the reference images provided previously. Ensure %s match their respective reference images exactly in face, hair, and clothing.", names, names)
	}
	if _, detail := detailPrompts[req.ShotType]; detail && req.DetailDescription != "" {
		characterInstruction = "This is a detail-focused shot. If a character's feature (like a hand or eye) is part of the shot, its appearance MUST match the provided reference images. Otherwise, focus solely on the described detail."
	}

	shotInstruction, ok := shotTypeDescriptions[req.ShotType]
	if !ok {
		shotInstruction = fmt.Sprintf("A standard %s.", req.ShotType)
	}

	ratioSignal := "SQUARE (1:1)"
	ratioDesc := "The image MUST be equal width and height."
	switch req.AspectRatio {
	case model.AspectLandscape:
		ratioSignal = "WIDE CINEMATIC LANDSCAPE (16:9)"
		ratioDesc = "CRITICAL: The image MUST be significantly WIDER than it is tall. DO NOT GENERATE A SQUARE IMAGE."
	case model.AspectPortrait:
		ratioSignal = "TALL VERTICAL PORTRAIT (9:16)"
		ratioDesc = "CRITICAL: The image MUST be significantly TALLER than it is wide. DO NOT GENERATE A SQUARE IMAGE."
	}

	return fmt.Sprintf(`*** CRITICAL COMMAND: GENERATE IMAGE IN %s ASPECT RATIO ***
%s
IGNORE the aspect ratio of any provided reference images; they are for character/style details ONLY.

**Objective:** Create a single, high-quality cinematic image.

**Artistic Style:**
- %s

**Setting / Environment:**
- %s

**Shot Composition & Action:**
- **Shot Type:** %s (%s)
- **Action/Subject:** The shot must depict: %q

**Character(s):**
- %s

[FINAL CHECK: OUTPUT MUST BE %s]`,
		ratioSignal, ratioDesc, req.StylePrompt, req.Setting,
		req.ShotType, shotInstruction, finalDescription,
		characterInstruction, ratioSignal)
}

// buildCharacterPortraitPrompt собирает промпт референсного портрета.
func buildCharacterPortraitPrompt(prompt string) string {
	return fmt.Sprintf(`A full-body character design reference image. Description: %q. The character must be completely visible from head to toe, standing in a neutral pose, centered against a pure solid white background. High detail. Square 1:1 aspect ratio.`, prompt)
}

var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parseSceneDescriptors разбирает JSON-ответ разбиения на сцены.
// Модели любят оборачивать JSON в markdown-ограждения, поэтому сначала
// снимаем их.
func parseSceneDescriptors(raw string) ([]model.SceneDescriptor, error) {
	jsonString := strings.TrimSpace(raw)
	if m := jsonFenceRe.FindStringSubmatch(jsonString); m != nil {
		jsonString = m[1]
	}

	var descriptors []model.SceneDescriptor
	if err := json.Unmarshal([]byte(jsonString), &descriptors); err != nil {
		return nil, badResponse("split_scenes", "невалидный JSON в ответе: %w", err)
	}
	if len(descriptors) == 0 {
		return nil, badResponse("split_scenes", "AI вернул пустой список сцен")
	}
	for i, d := range descriptors {
		if d.Description == "" || d.Setting == "" {
			return nil, badResponse("split_scenes", "сцена %d без description или setting", i)
		}
	}
	return descriptors, nil
}
