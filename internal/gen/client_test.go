package gen

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dulorai/tmdh-studio/internal/model"
)

func TestClassifyKindDetectsQuotaBySubstring(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"lowercase", errors.New("daily quota exceeded"), KindQuota},
		{"uppercase", errors.New("QUOTA limit reached"), KindQuota},
		{"mixed", errors.New("429: You exceeded your current Quota, please check your plan"), KindQuota},
		{"rate limit without quota word", errors.New("rate limit exceeded"), KindTransport},
		{"plain network", errors.New("connection refused"), KindTransport},
		{"nil", nil, KindTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyKind(tc.err))
		})
	}
}

func TestIsQuotaSeesThroughWrapping(t *testing.T) {
	quota := wrapErr("render_shot", errors.New("quota exceeded"))
	assert.True(t, IsQuota(quota))
	assert.True(t, IsQuota(fmt.Errorf("generate shot: %w", quota)))

	transport := wrapErr("render_shot", errors.New("connection reset"))
	assert.False(t, IsQuota(transport))
	assert.False(t, IsQuota(errors.New("quota"))) // нетипизированная ошибка не считается
	assert.False(t, IsQuota(nil))
}

func TestParseSceneDescriptors(t *testing.T) {
	valid := `[{"lyrics":"строка","description":"герой идет по городу","setting":"ночной город"}]`

	t.Run("plain json", func(t *testing.T) {
		descriptors, err := parseSceneDescriptors(valid)
		require.NoError(t, err)
		require.Len(t, descriptors, 1)
		assert.Equal(t, "герой идет по городу", descriptors[0].Description)
		assert.Equal(t, "ночной город", descriptors[0].Setting)
	})

	t.Run("markdown fenced json", func(t *testing.T) {
		fenced := "```json\n" + valid + "\n```"
		descriptors, err := parseSceneDescriptors(fenced)
		require.NoError(t, err)
		require.Len(t, descriptors, 1)
	})

	t.Run("fence without language tag", func(t *testing.T) {
		fenced := "```\n" + valid + "\n```"
		descriptors, err := parseSceneDescriptors(fenced)
		require.NoError(t, err)
		require.Len(t, descriptors, 1)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := parseSceneDescriptors("это не JSON")
		require.Error(t, err)
		var ge *Error
		require.ErrorAs(t, err, &ge)
		assert.Equal(t, KindBadResponse, ge.Kind)
	})

	t.Run("empty list", func(t *testing.T) {
		_, err := parseSceneDescriptors("[]")
		require.Error(t, err)
	})

	t.Run("missing required fields", func(t *testing.T) {
		_, err := parseSceneDescriptors(`[{"lyrics":"только текст"}]`)
		require.Error(t, err)
	})
}

func TestExtractImage(t *testing.T) {
	payload := []byte{0x89, 0x50, 0x4E, 0x47}
	encoded := base64.StdEncoding.EncodeToString(payload)

	t.Run("data uri in content", func(t *testing.T) {
		content := "Here is your image: data:image/png;base64," + encoded
		img, ok := extractImage(content)
		require.True(t, ok)
		assert.Equal(t, "image/png", img.MimeType)
		assert.Equal(t, payload, img.Data)
	})

	t.Run("webp mime", func(t *testing.T) {
		content := "data:image/webp;base64," + encoded
		img, ok := extractImage(content)
		require.True(t, ok)
		assert.Equal(t, "image/webp", img.MimeType)
	})

	t.Run("no image", func(t *testing.T) {
		_, ok := extractImage("I cannot generate that image.")
		assert.False(t, ok)
	})
}

func TestBuildShotPromptVariants(t *testing.T) {
	base := ShotRequest{
		Description: "hero walks through rain",
		Setting:     "neon city",
		ShotType:    "Wide Shot",
		StylePrompt: "Anime",
		AspectRatio: model.AspectLandscape,
	}

	t.Run("landscape ratio command", func(t *testing.T) {
		prompt := buildShotPrompt(base, base.Description)
		assert.Contains(t, prompt, "WIDE CINEMATIC LANDSCAPE (16:9)")
		assert.Contains(t, prompt, "No specific characters are required")
	})

	t.Run("portrait ratio command", func(t *testing.T) {
		req := base
		req.AspectRatio = model.AspectPortrait
		prompt := buildShotPrompt(req, req.Description)
		assert.Contains(t, prompt, "TALL VERTICAL PORTRAIT (9:16)")
	})

	t.Run("characters demand reference match", func(t *testing.T) {
		req := base
		req.Characters = []*model.Character{{Name: "Мира"}}
		prompt := buildShotPrompt(req, req.Description)
		assert.Contains(t, prompt, `"Мира"`)
		assert.Contains(t, prompt, "match their respective reference images")
	})

	t.Run("detail shot overrides character instruction", func(t *testing.T) {
		req := base
		req.ShotType = "Object Close-up"
		req.Characters = []*model.Character{{Name: "Мира"}}
		req.DetailDescription = "a rusted pocket watch on wet asphalt"
		prompt := buildShotPrompt(req, req.DetailDescription)
		assert.Contains(t, prompt, "detail-focused shot")
		assert.Contains(t, prompt, "a rusted pocket watch")
	})
}

func TestShotTypeCatalogMatchesPromptTable(t *testing.T) {
	// Для каждого канонического типа кадра должна существовать инструкция
	for _, shotType := range model.ShotTypes {
		_, ok := shotTypeDescriptions[shotType]
		assert.True(t, ok, "no prompt instruction for shot type %q", shotType)
	}
	// Детальный пре-пасс распространяется ровно на два типа
	assert.Len(t, detailPrompts, 2)
	_, ok := detailPrompts["Object Close-up"]
	assert.True(t, ok)
	_, ok = detailPrompts["Insert Shot"]
	assert.True(t, ok)
}
