package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dulorai/tmdh-studio/internal/export"
	"github.com/dulorai/tmdh-studio/internal/gen"
	"github.com/dulorai/tmdh-studio/internal/mocks"
	"github.com/dulorai/tmdh-studio/internal/model"
	"github.com/dulorai/tmdh-studio/internal/orchestrator"
)

func newTestStudio(t *testing.T, g gen.Generator) *Studio {
	t.Helper()
	assembler := export.NewVideoAssembler(export.VideoConfig{
		OutputDir:    t.TempDir(),
		ShotDuration: time.Second,
	}, zap.NewNop())
	tasks := export.NewTaskManager(2, zap.NewNop())

	studio := NewStudio(g, nil, Config{
		MaxSceneCount: 5,
		Orchestrator: orchestrator.Config{
			ShotDelay:  time.Millisecond,
			QuotaPause: time.Millisecond,
		},
	}, assembler, tasks, zap.NewNop())
	t.Cleanup(studio.Close)
	return studio
}

func TestCreateProjectValidation(t *testing.T) {
	studio := newTestStudio(t, mocks.NewMockGenerator(t))

	_, err := studio.CreateProject("text", 0, model.AspectLandscape, nil)
	assert.ErrorIs(t, err, ErrTooManyScenes)

	_, err = studio.CreateProject("text", 6, model.AspectLandscape, nil)
	assert.ErrorIs(t, err, ErrTooManyScenes)

	// Невалидное соотношение сторон заменяется дефолтным
	project, err := studio.CreateProject("text", 3, model.AspectRatio("4:3"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.AspectLandscape, project.AspectRatio)
}

func TestProjectLookupErrors(t *testing.T) {
	studio := newTestStudio(t, mocks.NewMockGenerator(t))

	_, err := studio.Project("ghost")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = studio.Scenes("ghost")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	assert.ErrorIs(t, studio.EnqueueScene("ghost", "s1"), ErrProjectNotFound)
	assert.ErrorIs(t, studio.DeleteProject("ghost"), ErrProjectNotFound)
}

func TestSplitScenes(t *testing.T) {
	mg := mocks.NewMockGenerator(t)
	studio := newTestStudio(t, mg)

	project, err := studio.CreateProject("три строки текста", 3, model.AspectLandscape, nil)
	require.NoError(t, err)

	descriptors := []model.SceneDescriptor{
		{Lyrics: "a", Description: "d1", Setting: "s1"},
		{Lyrics: "b", Description: "d2", Setting: "s2"},
		{Lyrics: "c", Description: "d3", Setting: "s3"},
	}
	mg.On("SplitIntoScenes", mock.Anything, "три строки текста", 3).Return(descriptors, nil).Once()

	scenes, err := studio.SplitScenes(context.Background(), project.ID)
	require.NoError(t, err)
	require.Len(t, scenes, 3)
	assert.Equal(t, "d2", scenes[1].Description)
	assert.Equal(t, model.StatusIdle, scenes[0].Status)

	mg.AssertExpectations(t)
}

func TestSplitScenesTruncatesOverflow(t *testing.T) {
	mg := mocks.NewMockGenerator(t)
	studio := newTestStudio(t, mg)

	project, err := studio.CreateProject("text", 5, model.AspectLandscape, nil)
	require.NoError(t, err)

	// Модель вернула больше сцен, чем разрешено
	overflow := make([]model.SceneDescriptor, 8)
	for i := range overflow {
		overflow[i] = model.SceneDescriptor{Description: "d", Setting: "s"}
	}
	mg.On("SplitIntoScenes", mock.Anything, mock.Anything, 5).Return(overflow, nil).Once()

	scenes, err := studio.SplitScenes(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Len(t, scenes, 5)
}

func TestSplitScenesRequiresLyrics(t *testing.T) {
	studio := newTestStudio(t, mocks.NewMockGenerator(t))
	project, err := studio.CreateProject("", 3, model.AspectLandscape, nil)
	require.NoError(t, err)

	_, err = studio.SplitScenes(context.Background(), project.ID)
	assert.ErrorIs(t, err, ErrEmptyLyrics)
}

func TestAnalyzeStyleClearsReferenceOnFailure(t *testing.T) {
	mg := mocks.NewMockGenerator(t)
	studio := newTestStudio(t, mg)

	project, err := studio.CreateProject("text", 3, model.AspectLandscape, nil)
	require.NoError(t, err)

	// Без референса анализ невозможен
	_, err = studio.AnalyzeStyle(context.Background(), project.ID)
	assert.ErrorIs(t, err, ErrNoStyleReference)

	require.NoError(t, studio.SetStyleReference(project.ID, "ref.png", "image/png", []byte{1}))

	mg.On("AnalyzeStyle", mock.Anything, mock.Anything).
		Return("", errors.New("model refused")).Once()

	_, err = studio.AnalyzeStyle(context.Background(), project.ID)
	require.Error(t, err)

	// Сбойный анализ не оставляет референс без описания
	got, err := studio.Project(project.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Style)
}

func TestAnalyzeStyleStoresResult(t *testing.T) {
	mg := mocks.NewMockGenerator(t)
	studio := newTestStudio(t, mg)

	project, err := studio.CreateProject("text", 3, model.AspectLandscape, []string{"Anime"})
	require.NoError(t, err)
	require.NoError(t, studio.SetStyleReference(project.ID, "ref.png", "image/png", []byte{1}))

	mg.On("AnalyzeStyle", mock.Anything, mock.Anything).
		Return("gouache, pastel palette", nil).Once()

	text, err := studio.AnalyzeStyle(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, "gouache, pastel palette", text)

	got, err := studio.Project(project.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Style)
	assert.Equal(t, "gouache, pastel palette", got.Style.AnalyzedStyle)
	assert.Equal(t, "Anime, gouache, pastel palette", got.StylePrompt())
}

func TestGenerateCharacter(t *testing.T) {
	mg := mocks.NewMockGenerator(t)
	studio := newTestStudio(t, mg)

	project, err := studio.CreateProject("text", 3, model.AspectLandscape, nil)
	require.NoError(t, err)

	mg.On("RenderCharacterPortrait", mock.Anything, "девушка с красными волосами").
		Return(&gen.RenderedImage{Data: []byte{7}, MimeType: "image/png"}, nil).Once()

	ch, err := studio.GenerateCharacter(context.Background(), project.ID, "Мира", "девушка с красными волосами")
	require.NoError(t, err)
	assert.Equal(t, "Мира", ch.Name)
	assert.Equal(t, "image/png", ch.MimeType)

	got, err := studio.Character(project.ID, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, got.Image)
}

func TestExportZipThroughService(t *testing.T) {
	mg := mocks.NewMockGenerator(t)
	studio := newTestStudio(t, mg)

	project, err := studio.CreateProject("text", 1, model.AspectLandscape, nil)
	require.NoError(t, err)

	mg.On("SplitIntoScenes", mock.Anything, mock.Anything, 1).
		Return([]model.SceneDescriptor{{Description: "d", Setting: "s"}}, nil).Once()
	scenes, err := studio.SplitScenes(context.Background(), project.ID)
	require.NoError(t, err)

	mg.On("RenderShot", mock.Anything, mock.Anything).
		Return(&gen.RenderedImage{Data: []byte{1}, MimeType: "image/png"}, nil)

	require.NoError(t, studio.EnqueueScene(project.ID, scenes[0].ID))
	require.Eventually(t, func() bool {
		got, err := studio.Scenes(project.ID)
		return err == nil && got[0].Status == model.StatusCompleted
	}, 5*time.Second, 2*time.Millisecond)

	var buf bytes.Buffer
	require.NoError(t, studio.ExportZip(project.ID, &buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Len(t, zr.File, len(model.ShotTypes))
}

func TestDeleteProjectStopsItsQueue(t *testing.T) {
	mg := mocks.NewMockGenerator(t)
	studio := newTestStudio(t, mg)

	project, err := studio.CreateProject("text", 1, model.AspectLandscape, nil)
	require.NoError(t, err)

	require.NoError(t, studio.DeleteProject(project.ID))
	_, err = studio.Project(project.ID)
	assert.ErrorIs(t, err, ErrProjectNotFound)
}
