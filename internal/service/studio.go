package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dulorai/tmdh-studio/internal/export"
	"github.com/dulorai/tmdh-studio/internal/gen"
	"github.com/dulorai/tmdh-studio/internal/model"
	"github.com/dulorai/tmdh-studio/internal/orchestrator"
	"github.com/dulorai/tmdh-studio/internal/store"
)

// Ошибки уровня сервиса.
var (
	ErrProjectNotFound   = errors.New("studio: project not found")
	ErrCharacterNotFound = errors.New("studio: character not found")
	ErrSceneNotFound     = errors.New("studio: scene not found")
	ErrShotNotReady      = errors.New("studio: shot image is not available")
	ErrNoStyleReference  = errors.New("studio: no style reference uploaded")
	ErrTooManyScenes     = errors.New("studio: scene count exceeds the limit")
	ErrEmptyLyrics       = errors.New("studio: lyrics must not be empty")
	ErrStudioClosed      = errors.New("studio: closed")
)

// Config содержит настройки сервиса.
type Config struct {
	// MaxSceneCount верхняя граница числа сцен при разбиении текста.
	MaxSceneCount int
	// Orchestrator параметры темпа генерации, передаются каждому проекту.
	Orchestrator orchestrator.Config
}

type projectEntry struct {
	store *store.ProjectStore
	orch  *orchestrator.Orchestrator
}

// Studio — корневой сервис приложения. Держит реестр проектов, каждому
// проекту принадлежит собственный store и собственный оркестратор очереди.
type Studio struct {
	mu       sync.RWMutex
	projects map[string]*projectEntry
	closed   bool

	gen       gen.Generator
	detail    gen.DetailHook
	cfg       Config
	assembler *export.VideoAssembler
	tasks     *export.TaskManager
	logger    *zap.Logger
}

// NewStudio создает сервис. detail может совпадать с gen, если клиент
// реализует оба контракта.
func NewStudio(
	g gen.Generator,
	detail gen.DetailHook,
	cfg Config,
	assembler *export.VideoAssembler,
	tasks *export.TaskManager,
	logger *zap.Logger,
) *Studio {
	if cfg.MaxSceneCount <= 0 {
		cfg.MaxSceneCount = 20
	}
	return &Studio{
		projects:  make(map[string]*projectEntry),
		gen:       g,
		detail:    detail,
		cfg:       cfg,
		assembler: assembler,
		tasks:     tasks,
		logger:    logger,
	}
}

func (s *Studio) entry(projectID string) (*projectEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStudioClosed
	}
	e, ok := s.projects[projectID]
	if !ok {
		return nil, ErrProjectNotFound
	}
	return e, nil
}

// CreateProject регистрирует новый проект раскадровки.
func (s *Studio) CreateProject(lyrics string, sceneCount int, aspect model.AspectRatio, styles []string) (*model.Project, error) {
	if sceneCount < 1 || sceneCount > s.cfg.MaxSceneCount {
		return nil, ErrTooManyScenes
	}
	if !aspect.Valid() {
		aspect = model.AspectLandscape
	}

	st := store.NewProjectStore(lyrics, sceneCount, aspect, styles)
	orch := orchestrator.New(st, s.gen, s.detail, s.cfg.Orchestrator, s.logger)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		orch.Close()
		return nil, ErrStudioClosed
	}
	s.projects[st.ProjectID()] = &projectEntry{store: st, orch: orch}

	s.logger.Info("project created",
		zap.String("project_id", st.ProjectID()),
		zap.Int("scene_count", sceneCount),
		zap.String("aspect_ratio", string(aspect)))
	return st.Project(), nil
}

// Project возвращает метаданные проекта.
func (s *Studio) Project(projectID string) (*model.Project, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return nil, err
	}
	return e.store.Project(), nil
}

// ListProjects возвращает все проекты, отсортированные по времени создания.
func (s *Studio) ListProjects() []*model.Project {
	s.mu.RLock()
	out := make([]*model.Project, 0, len(s.projects))
	for _, e := range s.projects {
		out = append(out, e.store.Project())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DeleteProject останавливает оркестратор проекта и убирает его из реестра.
func (s *Studio) DeleteProject(projectID string) error {
	s.mu.Lock()
	e, ok := s.projects[projectID]
	if ok {
		delete(s.projects, projectID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrProjectNotFound
	}
	e.orch.Close()
	s.logger.Info("project deleted", zap.String("project_id", projectID))
	return nil
}

// UpdateInputs изменяет входные параметры проекта: текст, число сцен,
// соотношение сторон и выбранные пресеты стиля.
func (s *Studio) UpdateInputs(projectID, lyrics string, sceneCount int, aspect model.AspectRatio, styles []string) error {
	if sceneCount < 1 || sceneCount > s.cfg.MaxSceneCount {
		return ErrTooManyScenes
	}
	if !aspect.Valid() {
		return fmt.Errorf("studio: invalid aspect ratio %q", aspect)
	}
	e, err := s.entry(projectID)
	if err != nil {
		return err
	}
	e.store.UpdateInputs(lyrics, sceneCount, aspect, styles)
	return nil
}

// SplitScenes разбивает текст проекта на сцены через генеративный сервис.
// Прежние сцены и их кадры при этом сбрасываются.
func (s *Studio) SplitScenes(ctx context.Context, projectID string) ([]*model.Scene, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return nil, err
	}
	project := e.store.Project()
	if project.Lyrics == "" {
		return nil, ErrEmptyLyrics
	}

	descriptors, err := s.gen.SplitIntoScenes(ctx, project.Lyrics, project.SceneCount)
	if err != nil {
		return nil, fmt.Errorf("split scenes: %w", err)
	}
	if len(descriptors) > s.cfg.MaxSceneCount {
		descriptors = descriptors[:s.cfg.MaxSceneCount]
	}

	scenes := e.store.CreateScenes(descriptors)
	s.logger.Info("scenes created",
		zap.String("project_id", projectID),
		zap.Int("count", len(scenes)))
	return scenes, nil
}

// Scenes возвращает сцены проекта в каноническом порядке.
func (s *Studio) Scenes(projectID string) ([]*model.Scene, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return nil, err
	}
	return e.store.Scenes(), nil
}

// PatchScene применяет частичное обновление полей сцены.
func (s *Studio) PatchScene(projectID, sceneID string, patch store.ScenePatch) (*model.Scene, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return nil, err
	}
	if _, ok := e.store.Scene(sceneID); !ok {
		return nil, ErrSceneNotFound
	}
	e.store.PatchScene(sceneID, patch)
	scene, _ := e.store.Scene(sceneID)
	return scene, nil
}

// AddCharacter добавляет персонажа с загруженным референсным изображением.
func (s *Studio) AddCharacter(projectID, name, mimeType string, image []byte) (*model.Character, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return nil, err
	}
	return e.store.AddCharacter(name, mimeType, image), nil
}

// GenerateCharacter создает персонажа с портретом, сгенерированным по
// текстовому описанию.
func (s *Studio) GenerateCharacter(ctx context.Context, projectID, name, description string) (*model.Character, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return nil, err
	}
	img, err := s.gen.RenderCharacterPortrait(ctx, description)
	if err != nil {
		return nil, fmt.Errorf("generate character portrait: %w", err)
	}
	return e.store.AddCharacter(name, img.MimeType, img.Data), nil
}

// RenameCharacter переименовывает персонажа.
func (s *Studio) RenameCharacter(projectID, characterID, name string) error {
	e, err := s.entry(projectID)
	if err != nil {
		return err
	}
	if !e.store.RenameCharacter(characterID, name) {
		return ErrCharacterNotFound
	}
	return nil
}

// RemoveCharacter удаляет персонажа. Ссылки на него из сцен становятся
// висячими и игнорируются при генерации.
func (s *Studio) RemoveCharacter(projectID, characterID string) error {
	e, err := s.entry(projectID)
	if err != nil {
		return err
	}
	if !e.store.RemoveCharacter(characterID) {
		return ErrCharacterNotFound
	}
	return nil
}

// Character возвращает персонажа вместе с изображением.
func (s *Studio) Character(projectID, characterID string) (*model.Character, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return nil, err
	}
	ch, ok := e.store.Character(characterID)
	if !ok {
		return nil, ErrCharacterNotFound
	}
	return ch, nil
}

// SetStyleReference загружает референс стиля. Прежний результат анализа
// при этом сбрасывается.
func (s *Studio) SetStyleReference(projectID, name, mimeType string, image []byte) error {
	e, err := s.entry(projectID)
	if err != nil {
		return err
	}
	e.store.SetStyleReference(name, mimeType, image)
	return nil
}

// ClearStyleReference убирает референс стиля из проекта.
func (s *Studio) ClearStyleReference(projectID string) error {
	e, err := s.entry(projectID)
	if err != nil {
		return err
	}
	e.store.ClearStyleReference()
	return nil
}

// AnalyzeStyle прогоняет загруженный референс через генеративный сервис и
// сохраняет итоговое описание стиля. При ошибке анализа референс удаляется,
// чтобы не оставлять проект с изображением без описания.
func (s *Studio) AnalyzeStyle(ctx context.Context, projectID string) (string, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return "", err
	}
	project := e.store.Project()
	if project.Style == nil || len(project.Style.Image) == 0 {
		return "", ErrNoStyleReference
	}

	text, err := s.gen.AnalyzeStyle(ctx, gen.ReferenceImage{
		Name:     project.Style.Name,
		MimeType: project.Style.MimeType,
		Data:     project.Style.Image,
	})
	if err != nil {
		e.store.ClearStyleReference()
		return "", fmt.Errorf("analyze style: %w", err)
	}
	e.store.SetAnalyzedStyle(text)
	return text, nil
}

// EnqueueScene ставит сцену в очередь генерации.
func (s *Studio) EnqueueScene(projectID, sceneID string) error {
	e, err := s.entry(projectID)
	if err != nil {
		return err
	}
	return e.orch.Enqueue(sceneID)
}

// ClearQueue сбрасывает очередь ожидающих сцен.
func (s *Studio) ClearQueue(projectID string) error {
	e, err := s.entry(projectID)
	if err != nil {
		return err
	}
	return e.orch.ClearQueue()
}

// ReorderScenes перемещает сцену на позицию перед целевой.
func (s *Studio) ReorderScenes(projectID, draggedID, targetID string) error {
	e, err := s.entry(projectID)
	if err != nil {
		return err
	}
	return e.orch.Reorder(draggedID, targetID)
}

// RetryShot перегенерирует один кадр сцены.
func (s *Studio) RetryShot(ctx context.Context, projectID, sceneID, shotType string) (*model.GeneratedShot, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return nil, err
	}
	return e.orch.RetryShot(ctx, sceneID, shotType)
}

// Resume снимает квотную паузу, не дожидаясь таймера.
func (s *Studio) Resume(projectID string) error {
	e, err := s.entry(projectID)
	if err != nil {
		return err
	}
	e.orch.Resume()
	return nil
}

// QueueState возвращает снимок состояния очереди генерации.
func (s *Studio) QueueState(projectID string) (orchestrator.State, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return orchestrator.State{}, err
	}
	return e.orch.Snapshot(), nil
}

// ShotImage возвращает байты сгенерированного кадра.
func (s *Studio) ShotImage(projectID, sceneID string, shotIndex int) (*model.GeneratedShot, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return nil, err
	}
	shot, ok := e.store.Shot(sceneID, shotIndex)
	if !ok || shot == nil || len(shot.Image) == 0 {
		return nil, ErrShotNotReady
	}
	return shot, nil
}

// ExportZip записывает готовые кадры проекта в ZIP-архив.
func (s *Studio) ExportZip(projectID string, w io.Writer) error {
	e, err := s.entry(projectID)
	if err != nil {
		return err
	}
	return export.WriteZip(w, e.store.Scenes())
}

// StartVideoExport запускает фоновую сборку слайдшоу и возвращает
// идентификатор задачи.
func (s *Studio) StartVideoExport(projectID string) (uuid.UUID, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return uuid.Nil, err
	}
	aspect := e.store.AspectRatio()
	scenes := e.store.Scenes()

	return s.tasks.Submit(projectID, func(ctx context.Context) (string, error) {
		return s.assembler.Assemble(ctx, projectID, aspect, scenes)
	})
}

// ExportTask возвращает статус задачи экспорта.
func (s *Studio) ExportTask(taskID uuid.UUID) (*export.Task, error) {
	return s.tasks.GetTask(taskID)
}

// Subscribe подписывает fn на любые изменения состояния проекта.
// Callback обязан быть неблокирующим.
func (s *Studio) Subscribe(projectID string, fn func()) (func(), error) {
	e, err := s.entry(projectID)
	if err != nil {
		return nil, err
	}
	return e.store.Subscribe(fn), nil
}

// Close останавливает оркестраторы всех проектов и менеджер задач экспорта.
func (s *Studio) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	entries := make([]*projectEntry, 0, len(s.projects))
	for _, e := range s.projects {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.orch.Close()
	}
	s.tasks.Close()
}
