// Package store содержит каноническое in-memory представление проекта
// раскадровки: метаданные, персонажей, стиль и сцены с результатами генерации.
//
// Все мутации — полные функции над текущей коллекцией (replace-by-id):
// патч несуществующего id — это no-op, а не ошибка. Чтения возвращают
// глубокие копии, поэтому поздние записи не могут испортить структуру
// данных у конкурентного читателя — худший случай это last-write-wins
// на уровне отдельного поля.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dulorai/tmdh-studio/internal/model"
)

// ScenePatch описывает частичное обновление сцены. Nil-поле не трогается;
// все заданные поля применяются атомарно.
type ScenePatch struct {
	Lyrics       *string
	Description  *string
	Setting      *string
	CharacterIDs *[]string
}

// ProjectStore хранит один проект раскадровки.
type ProjectStore struct {
	mu      sync.RWMutex
	project *model.Project
	scenes  []*model.Scene

	subMu       sync.Mutex
	subscribers map[int]func()
	nextSubID   int
}

// NewProjectStore создает проект с заданными входными параметрами.
func NewProjectStore(lyrics string, sceneCount int, aspect model.AspectRatio, selectedStyles []string) *ProjectStore {
	return &ProjectStore{
		project: &model.Project{
			ID:             uuid.NewString(),
			Lyrics:         lyrics,
			SceneCount:     sceneCount,
			AspectRatio:    aspect,
			SelectedStyles: append([]string(nil), selectedStyles...),
			CreatedAt:      time.Now().UTC(),
		},
		subscribers: make(map[int]func()),
	}
}

// ProjectID возвращает идентификатор проекта.
func (s *ProjectStore) ProjectID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.project.ID
}

// Project возвращает глубокую копию метаданных проекта.
func (s *ProjectStore) Project() *model.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cloneProjectLocked()
}

func (s *ProjectStore) cloneProjectLocked() *model.Project {
	cp := *s.project
	cp.SelectedStyles = append([]string(nil), s.project.SelectedStyles...)
	cp.Characters = make([]*model.Character, len(s.project.Characters))
	for i, ch := range s.project.Characters {
		cp.Characters[i] = ch.Clone()
	}
	if s.project.Style != nil {
		st := *s.project.Style
		st.Image = append([]byte(nil), s.project.Style.Image...)
		cp.Style = &st
	}
	return &cp
}

// UpdateInputs заменяет входные параметры проекта.
func (s *ProjectStore) UpdateInputs(lyrics string, sceneCount int, aspect model.AspectRatio, selectedStyles []string) {
	s.mu.Lock()
	s.project.Lyrics = lyrics
	s.project.SceneCount = sceneCount
	s.project.AspectRatio = aspect
	s.project.SelectedStyles = append([]string(nil), selectedStyles...)
	s.mu.Unlock()
	s.notify()
}

// --- Персонажи ---

// AddCharacter добавляет персонажа и возвращает его копию с присвоенным id.
func (s *ProjectStore) AddCharacter(name, mimeType string, image []byte) *model.Character {
	ch := &model.Character{
		ID:       uuid.NewString(),
		Name:     name,
		MimeType: mimeType,
		Image:    append([]byte(nil), image...),
	}
	s.mu.Lock()
	s.project.Characters = append(s.project.Characters, ch)
	s.mu.Unlock()
	s.notify()
	return ch.Clone()
}

// RemoveCharacter удаляет персонажа. Уже сгенерированные кадры не трогаются:
// осиротевшие id в сценах отфильтровываются при резолве.
func (s *ProjectStore) RemoveCharacter(id string) bool {
	s.mu.Lock()
	removed := false
	kept := s.project.Characters[:0]
	for _, ch := range s.project.Characters {
		if ch.ID == id {
			removed = true
			continue
		}
		kept = append(kept, ch)
	}
	s.project.Characters = kept
	s.mu.Unlock()
	if removed {
		s.notify()
	}
	return removed
}

// RenameCharacter меняет отображаемое имя персонажа.
func (s *ProjectStore) RenameCharacter(id, name string) bool {
	s.mu.Lock()
	renamed := false
	for _, ch := range s.project.Characters {
		if ch.ID == id {
			ch.Name = name
			renamed = true
			break
		}
	}
	s.mu.Unlock()
	if renamed {
		s.notify()
	}
	return renamed
}

// Character возвращает копию персонажа по id.
func (s *ProjectStore) Character(id string) (*model.Character, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.project.Characters {
		if ch.ID == id {
			return ch.Clone(), true
		}
	}
	return nil, false
}

// ResolveCharacters возвращает персонажей по набору id, отфильтровывая
// устаревшие ссылки на удаленных персонажей.
func (s *ProjectStore) ResolveCharacters(ids []string) []*model.Character {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []*model.Character
	for _, ch := range s.project.Characters {
		if _, ok := want[ch.ID]; ok {
			out = append(out, ch.Clone())
		}
	}
	return out
}

// --- Стиль ---

// SetStyleReference заменяет референс стиля. Производный текст стиля
// у предыдущего референса при этом инвалидируется.
func (s *ProjectStore) SetStyleReference(name, mimeType string, image []byte) {
	s.mu.Lock()
	s.project.Style = &model.StyleReference{
		Name:     name,
		MimeType: mimeType,
		Image:    append([]byte(nil), image...),
	}
	s.mu.Unlock()
	s.notify()
}

// SetAnalyzedStyle записывает текст стиля, полученный от AI.
func (s *ProjectStore) SetAnalyzedStyle(text string) {
	s.mu.Lock()
	if s.project.Style != nil {
		s.project.Style.AnalyzedStyle = text
	}
	s.mu.Unlock()
	s.notify()
}

// ClearStyleReference удаляет референс стиля вместе с производным текстом.
func (s *ProjectStore) ClearStyleReference() {
	s.mu.Lock()
	s.project.Style = nil
	s.mu.Unlock()
	s.notify()
}

// StylePrompt возвращает итоговый текст стиля проекта.
func (s *ProjectStore) StylePrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.project.StylePrompt()
}

// AspectRatio возвращает текущее соотношение сторон проекта.
func (s *ProjectStore) AspectRatio() model.AspectRatio {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.project.AspectRatio
}

// --- Сцены ---

// CreateScenes заменяет список сцен на новые, построенные из дескрипторов.
// Каждая сцена получает фиксированный набор пустых слотов кадров.
func (s *ProjectStore) CreateScenes(descriptors []model.SceneDescriptor) []*model.Scene {
	scenes := make([]*model.Scene, len(descriptors))
	for i, d := range descriptors {
		scenes[i] = &model.Scene{
			ID:           uuid.NewString(),
			Lyrics:       d.Lyrics,
			Description:  d.Description,
			Setting:      d.Setting,
			CharacterIDs: []string{},
			Shots:        make([]*model.GeneratedShot, len(model.ShotTypes)),
			Status:       model.StatusIdle,
		}
	}
	s.mu.Lock()
	s.scenes = scenes
	s.mu.Unlock()
	s.notify()
	return s.Scenes()
}

// DropScenes удаляет все сцены (возврат к вводу исходного текста).
func (s *ProjectStore) DropScenes() {
	s.mu.Lock()
	s.scenes = nil
	s.mu.Unlock()
	s.notify()
}

// Scenes возвращает глубокие копии всех сцен в каноническом порядке.
func (s *ProjectStore) Scenes() []*model.Scene {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Scene, len(s.scenes))
	for i, sc := range s.scenes {
		out[i] = sc.Clone()
	}
	return out
}

// Scene возвращает копию сцены по id.
func (s *ProjectStore) Scene(id string) (*model.Scene, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.scenes {
		if sc.ID == id {
			return sc.Clone(), true
		}
	}
	return nil, false
}

// SceneIndex возвращает позицию сцены в каноническом списке или -1.
func (s *ProjectStore) SceneIndex(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, sc := range s.scenes {
		if sc.ID == id {
			return i
		}
	}
	return -1
}

// PatchScene атомарно применяет частичное обновление сцены.
// Неизвестный id — no-op.
func (s *ProjectStore) PatchScene(id string, patch ScenePatch) {
	s.mu.Lock()
	for _, sc := range s.scenes {
		if sc.ID != id {
			continue
		}
		if patch.Lyrics != nil {
			sc.Lyrics = *patch.Lyrics
		}
		if patch.Description != nil {
			sc.Description = *patch.Description
		}
		if patch.Setting != nil {
			sc.Setting = *patch.Setting
		}
		if patch.CharacterIDs != nil {
			sc.CharacterIDs = append([]string(nil), (*patch.CharacterIDs)...)
		}
		break
	}
	s.mu.Unlock()
	s.notify()
}

// SetSceneStatus выставляет статус сцены. Неизвестный id — no-op.
func (s *ProjectStore) SetSceneStatus(id string, status model.GenerationStatus) {
	s.mu.Lock()
	for _, sc := range s.scenes {
		if sc.ID == id {
			sc.Status = status
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// WriteShot записывает результат генерации в слот кадра. Запись видна
// читателям сразу, до начала следующего кадра — так частичный прогресс
// сцены переживает сбой более позднего кадра.
func (s *ProjectStore) WriteShot(sceneID string, shotIndex int, shot *model.GeneratedShot) {
	if shotIndex < 0 || shotIndex >= len(model.ShotTypes) {
		return
	}
	s.mu.Lock()
	for _, sc := range s.scenes {
		if sc.ID == sceneID {
			sc.Shots[shotIndex] = shot.Clone()
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// ClearShot очищает слот кадра. Неизвестный id — no-op.
func (s *ProjectStore) ClearShot(sceneID string, shotIndex int) {
	if shotIndex < 0 || shotIndex >= len(model.ShotTypes) {
		return
	}
	s.mu.Lock()
	for _, sc := range s.scenes {
		if sc.ID == sceneID {
			sc.Shots[shotIndex] = nil
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// Shot возвращает копию слота кадра.
func (s *ProjectStore) Shot(sceneID string, shotIndex int) (*model.GeneratedShot, bool) {
	if shotIndex < 0 || shotIndex >= len(model.ShotTypes) {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.scenes {
		if sc.ID == sceneID {
			if sc.Shots[shotIndex] == nil {
				return nil, false
			}
			return sc.Shots[shotIndex].Clone(), true
		}
	}
	return nil, false
}

// ReorderScenes переносит сцену draggedID на позицию перед targetID.
// Возвращает false, если какой-то из id неизвестен или они совпадают.
func (s *ProjectStore) ReorderScenes(draggedID, targetID string) bool {
	if draggedID == targetID {
		return false
	}
	s.mu.Lock()
	draggedIdx, targetIdx := -1, -1
	for i, sc := range s.scenes {
		switch sc.ID {
		case draggedID:
			draggedIdx = i
		case targetID:
			targetIdx = i
		}
	}
	if draggedIdx == -1 || targetIdx == -1 {
		s.mu.Unlock()
		return false
	}
	dragged := s.scenes[draggedIdx]
	s.scenes = append(s.scenes[:draggedIdx], s.scenes[draggedIdx+1:]...)
	// Индекс цели после удаления перетаскиваемой сцены
	for i, sc := range s.scenes {
		if sc.ID == targetID {
			targetIdx = i
			break
		}
	}
	s.scenes = append(s.scenes[:targetIdx], append([]*model.Scene{dragged}, s.scenes[targetIdx:]...)...)
	s.mu.Unlock()
	s.notify()
	return true
}

// SceneOrder возвращает id сцен в каноническом порядке.
func (s *ProjectStore) SceneOrder() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.scenes))
	for i, sc := range s.scenes {
		out[i] = sc.ID
	}
	return out
}

// --- Подписки ---

// Subscribe регистрирует колбэк, вызываемый после каждой мутации.
// Возвращает функцию отписки.
func (s *ProjectStore) Subscribe(fn func()) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *ProjectStore) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
