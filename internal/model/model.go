package model

import (
	"fmt"
	"time"
)

// AspectRatio задает соотношение сторон генерируемых кадров.
type AspectRatio string

const (
	AspectSquare    AspectRatio = "1:1"
	AspectLandscape AspectRatio = "16:9"
	AspectPortrait  AspectRatio = "9:16"
)

// Valid проверяет, что соотношение сторон поддерживается.
func (a AspectRatio) Valid() bool {
	switch a {
	case AspectSquare, AspectLandscape, AspectPortrait:
		return true
	}
	return false
}

// ShotTypes — фиксированный набор типов кадров раскадровки.
// Порядок важен: слот i сцены всегда соответствует ShotTypes[i].
var ShotTypes = []string{
	"Full Shot",
	"Medium Shot",
	"Ultra Close-up Shot",
	"Over the Shoulder Shot",
	"Low Angle Shot",
	"Object Close-up",
	"Aerial View",
	"Insert Shot",
	"Establishing Shot",
}

// ShotTypeIndex возвращает индекс слота для типа кадра или -1, если тип неизвестен.
func ShotTypeIndex(shotType string) int {
	for i, t := range ShotTypes {
		if t == shotType {
			return i
		}
	}
	return -1
}

// PresetStyles — готовые художественные стили, которые можно комбинировать
// с проанализированным стилем референсного изображения.
var PresetStyles = []string{
	"Cinematic",
	"Anime",
	"3D Render",
	"Noir",
	"Vaporwave",
	"Comic Book",
	"Fantasy Art",
	"Cyberpunk",
	"Minimalist",
	"Vintage Film",
	"Watercolor",
	"Gothic",
}

// GenerationStatus — статус генерации сцены.
type GenerationStatus string

const (
	StatusIdle       GenerationStatus = "idle"
	StatusQueued     GenerationStatus = "queued"
	StatusGenerating GenerationStatus = "generating"
	StatusCompleted  GenerationStatus = "completed"
	StatusFailed     GenerationStatus = "failed"
)

// GeneratedShot — результат генерации одного кадра.
// Image хранит байты изображения и не сериализуется в API-ответы;
// клиент получает ImageURL и забирает байты отдельным запросом.
type GeneratedShot struct {
	ShotType string `json:"shotType"`
	ImageURL string `json:"imageUrl"`
	MimeType string `json:"mimeType,omitempty"`
	Error    string `json:"error,omitempty"`
	Image    []byte `json:"-"`
}

// Failed сообщает, содержит ли слот ошибку генерации.
func (s *GeneratedShot) Failed() bool {
	return s != nil && s.Error != ""
}

// Clone возвращает глубокую копию кадра.
func (s *GeneratedShot) Clone() *GeneratedShot {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Image != nil {
		cp.Image = make([]byte, len(s.Image))
		copy(cp.Image, s.Image)
	}
	return &cp
}

// Scene — одна сцена раскадровки. Слоты Shots всегда имеют длину len(ShotTypes);
// nil-слот означает, что кадр еще не генерировался.
type Scene struct {
	ID           string           `json:"id"`
	Lyrics       string           `json:"lyrics"`
	Description  string           `json:"description"`
	Setting      string           `json:"setting"`
	CharacterIDs []string         `json:"characterIds"`
	Shots        []*GeneratedShot `json:"shots"`
	Status       GenerationStatus `json:"status"`
}

// Clone возвращает глубокую копию сцены.
func (sc *Scene) Clone() *Scene {
	cp := *sc
	cp.CharacterIDs = append([]string(nil), sc.CharacterIDs...)
	cp.Shots = make([]*GeneratedShot, len(sc.Shots))
	for i, shot := range sc.Shots {
		cp.Shots[i] = shot.Clone()
	}
	return &cp
}

// Character — референсный персонаж с изображением-образцом.
// Удаление персонажа не затрагивает уже сгенерированные кадры.
type Character struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Image    []byte `json:"-"`
}

// Clone возвращает глубокую копию персонажа.
func (c *Character) Clone() *Character {
	cp := *c
	if c.Image != nil {
		cp.Image = make([]byte, len(c.Image))
		copy(cp.Image, c.Image)
	}
	return &cp
}

// StyleReference — единственное (необязательное) референсное изображение стиля
// и производный от него текст стиля. Замена референса инвалидирует старый текст.
type StyleReference struct {
	Name          string `json:"name"`
	MimeType      string `json:"mimeType"`
	AnalyzedStyle string `json:"analyzedStyle"`
	Image         []byte `json:"-"`
}

// Project — корневой документ раскадровки: входной текст, персонажи, стиль
// и параметры генерации. Сцены живут в store отдельно от метаданных проекта.
type Project struct {
	ID             string          `json:"id"`
	Lyrics         string          `json:"lyrics"`
	SceneCount     int             `json:"sceneCount"`
	AspectRatio    AspectRatio     `json:"aspectRatio"`
	SelectedStyles []string        `json:"selectedStyles"`
	Characters     []*Character    `json:"characters"`
	Style          *StyleReference `json:"style,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// StylePrompt собирает итоговый текст стиля: выбранные пресеты плюс
// проанализированный стиль референса, через запятую.
func (p *Project) StylePrompt() string {
	parts := make([]string, 0, len(p.SelectedStyles)+1)
	parts = append(parts, p.SelectedStyles...)
	if p.Style != nil && p.Style.AnalyzedStyle != "" {
		parts = append(parts, p.Style.AnalyzedStyle)
	}
	out := ""
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i > 0 && out != "" {
			out += ", "
		}
		out += part
	}
	return out
}

// SceneDescriptor — результат разбиения исходного текста на сцены.
type SceneDescriptor struct {
	Lyrics      string `json:"lyrics"`
	Description string `json:"description"`
	Setting     string `json:"setting"`
}

// ShotImagePath возвращает путь API, по которому клиент забирает байты
// сгенерированного кадра.
func ShotImagePath(projectID, sceneID string, shotIndex int) string {
	return fmt.Sprintf("/api/v1/projects/%s/scenes/%s/shots/%d/image", projectID, sceneID, shotIndex)
}
