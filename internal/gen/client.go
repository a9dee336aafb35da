// Package gen — клиент внешнего генеративного сервиса. Остальному коду
// он предоставляет узкий контракт Generator; детали транспорта, промптов
// и ретраев скрыты за ним.
package gen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dulorai/tmdh-studio/internal/model"
)

// ErrorKind классифицирует ошибку генерации.
type ErrorKind string

const (
	// KindQuota — у внешнего сервиса исчерпана квота; оркестратор
	// реагирует паузой очереди, а не пометкой кадра как сбойного.
	KindQuota ErrorKind = "quota"
	// KindBadResponse — ответ пришел, но его не удалось разобрать
	// (невалидный JSON, пустой список сцен, нет изображения в ответе).
	KindBadResponse ErrorKind = "bad_response"
	// KindTransport — сетевая или HTTP-ошибка вызова.
	KindTransport ErrorKind = "transport"
)

// Error — типизированная ошибка генерации.
type Error struct {
	Kind ErrorKind
	Op   string // операция: split_scenes, analyze_style, render_shot, render_character
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gen: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsQuota сообщает, является ли ошибка исчерпанием квоты.
func IsQuota(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindQuota
}

// classifyKind определяет вид ошибки по ее тексту. Эвристика по подстроке
// "quota" намеренно терпима к ложным срабатываниям: внешний сервис не дает
// структурированных кодов, а цена ошибки — лишняя пауза очереди.
func classifyKind(err error) ErrorKind {
	if err == nil {
		return KindTransport
	}
	if strings.Contains(strings.ToLower(err.Error()), "quota") {
		return KindQuota
	}
	return KindTransport
}

// wrapErr оборачивает ошибку вызова в типизированную *Error.
func wrapErr(op string, err error) error {
	return &Error{Kind: classifyKind(err), Op: op, Err: err}
}

// badResponse создает ошибку разбора ответа.
func badResponse(op, format string, args ...interface{}) error {
	return &Error{Kind: KindBadResponse, Op: op, Err: fmt.Errorf(format, args...)}
}

// ReferenceImage — входное изображение-референс (стиль или персонаж).
type ReferenceImage struct {
	Name     string
	MimeType string
	Data     []byte
}

// ShotRequest — запрос на генерацию одного кадра сцены.
// DetailDescription, если задано, заменяет Description в промпте —
// его выставляет пре-пасс DetailHook для детальных типов кадров.
type ShotRequest struct {
	Description       string
	DetailDescription string
	Setting           string
	ShotType          string
	Characters        []*model.Character
	StylePrompt       string
	AspectRatio       model.AspectRatio
}

// RenderedImage — сгенерированное изображение.
type RenderedImage struct {
	Data     []byte
	MimeType string
}

// Generator — контракт внешнего генеративного сервиса.
type Generator interface {
	// SplitIntoScenes разбивает исходный текст на sceneCount сцен.
	SplitIntoScenes(ctx context.Context, text string, sceneCount int) ([]model.SceneDescriptor, error)
	// AnalyzeStyle описывает художественный стиль изображения короткой фразой.
	AnalyzeStyle(ctx context.Context, image ReferenceImage) (string, error)
	// RenderShot генерирует один кадр по описанию сцены.
	RenderShot(ctx context.Context, req ShotRequest) (*RenderedImage, error)
	// RenderCharacterPortrait генерирует референсный портрет персонажа по описанию.
	RenderCharacterPortrait(ctx context.Context, prompt string) (*RenderedImage, error)
}

// DetailHook переписывает описание сцены для детальных типов кадров
// (Object Close-up, Insert Shot) перед вызовом RenderShot. Возвращает
// исходное описание, если переписывание не удалось или не требуется.
type DetailHook interface {
	DetailDescription(ctx context.Context, shotType, sceneDescription string) string
}
