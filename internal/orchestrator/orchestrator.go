// Package orchestrator — ядро генерации раскадровки: FIFO-очередь сцен,
// единственный воркер, пауза/возобновление по квоте, переупорядочивание
// очереди и точечный перезапуск отдельных кадров.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dulorai/tmdh-studio/internal/gen"
	"github.com/dulorai/tmdh-studio/internal/model"
	"github.com/dulorai/tmdh-studio/internal/store"
)

// Ошибки операций оркестратора.
var (
	ErrSceneNotFound       = errors.New("сцена не найдена")
	ErrSceneNotEnqueueable = errors.New("сцена уже в очереди или обрабатывается")
	ErrBusyGenerating      = errors.New("операция недоступна во время генерации сцены")
	ErrUnknownShotType     = errors.New("неизвестный тип кадра")
	ErrClosed              = errors.New("оркестратор остановлен")
)

// Config содержит настройки оркестратора.
type Config struct {
	// ShotDelay — пауза между последовательными запросами кадров внутри
	// сцены. Клиентская вежливость к rate limit внешнего сервиса,
	// а не требование корректности.
	ShotDelay time.Duration
	// QuotaPause — длительность автоматической паузы очереди после
	// ошибки квоты.
	QuotaPause time.Duration
}

// ShotRef указывает на кадр, который генерируется прямо сейчас.
type ShotRef struct {
	SceneID  string `json:"sceneId"`
	ShotType string `json:"shotType"`
}

// State — снимок состояния оркестратора для API.
type State struct {
	Queue        []string `json:"queue"`
	Processing   bool     `json:"processing"`
	Paused       bool     `json:"paused"`
	PauseMessage string   `json:"pauseMessage,omitempty"`
	CurrentShot  *ShotRef `json:"currentShot,omitempty"`
}

// Orchestrator управляет очередью генерации одного проекта.
// Сцены обрабатываются строго по одной; кадры внутри сцены — строго
// последовательно. Единственный допустимый источник конкуренции —
// RetryShot, сериализуемый с воркером per-scene мьютексом.
type Orchestrator struct {
	store  *store.ProjectStore
	gen    gen.Generator
	detail gen.DetailHook
	logger *zap.Logger
	cfg    Config

	mu           sync.Mutex
	queue        []string
	processing   bool
	paused       bool
	pauseMessage string
	currentShot  *ShotRef
	resumeTimer  *time.Timer
	closed       bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	sceneLocks sync.Map // sceneID -> *sync.Mutex
}

// New создает оркестратор. detail может быть nil — тогда пре-пасс
// детальных кадров не выполняется.
func New(st *store.ProjectStore, g gen.Generator, detail gen.DetailHook, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.ShotDelay <= 0 {
		cfg.ShotDelay = 5 * time.Second
	}
	if cfg.QuotaPause <= 0 {
		cfg.QuotaPause = 60 * time.Second
	}
	return &Orchestrator{
		store:  st,
		gen:    g,
		detail: detail,
		logger: logger.Named("orchestrator").With(zap.String("project_id", st.ProjectID())),
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// sceneLock возвращает мьютекс сцены, создавая его при первом обращении.
func (o *Orchestrator) sceneLock(sceneID string) *sync.Mutex {
	v, _ := o.sceneLocks.LoadOrStore(sceneID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Enqueue ставит сцену в конец очереди. Допустимо только из статусов
// idle и failed: сцена из очереди не может попасть в нее повторно.
func (o *Orchestrator) Enqueue(sceneID string) error {
	scene, ok := o.store.Scene(sceneID)
	if !ok {
		return ErrSceneNotFound
	}
	if scene.Status != model.StatusIdle && scene.Status != model.StatusFailed {
		return fmt.Errorf("%w: статус %s", ErrSceneNotEnqueueable, scene.Status)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	for _, id := range o.queue {
		if id == sceneID {
			o.mu.Unlock()
			return ErrSceneNotEnqueueable
		}
	}
	o.store.SetSceneStatus(sceneID, model.StatusQueued)
	o.queue = append(o.queue, sceneID)
	queueDepth.Set(float64(len(o.queue)))
	o.maybeStartLocked()
	o.mu.Unlock()

	o.logger.Info("Scene enqueued", zap.String("scene_id", sceneID))
	return nil
}

// maybeStartLocked запускает воркер, если очередь непуста, пауза не
// активна и воркер еще не работает. Вызывается под o.mu.
func (o *Orchestrator) maybeStartLocked() {
	if o.processing || o.paused || o.closed || len(o.queue) == 0 {
		return
	}
	o.processing = true
	o.wg.Add(1)
	go o.drain()
}

type sceneOutcome int

const (
	outcomeDone sceneOutcome = iota
	outcomeDropped
	outcomePaused
	outcomeStopped
)

// drain — цикл воркера: обрабатывает сцены с головы очереди, пока она
// не опустеет или не наступит пауза по квоте.
func (o *Orchestrator) drain() {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if o.paused || o.closed || len(o.queue) == 0 {
			o.processing = false
			o.mu.Unlock()
			return
		}
		sceneID := o.queue[0]
		o.mu.Unlock()

		switch o.processScene(sceneID) {
		case outcomeDone, outcomeDropped:
			o.mu.Lock()
			if len(o.queue) > 0 && o.queue[0] == sceneID {
				o.queue = o.queue[1:]
			}
			queueDepth.Set(float64(len(o.queue)))
			o.mu.Unlock()
		case outcomePaused:
			// Сцена остается в голове очереди и будет повторена первой
			// после возобновления.
			o.mu.Lock()
			o.processing = false
			o.mu.Unlock()
			return
		case outcomeStopped:
			o.mu.Lock()
			o.processing = false
			o.mu.Unlock()
			return
		}
	}
}

// processScene прогоняет одну сцену через конвейер кадров.
func (o *Orchestrator) processScene(sceneID string) sceneOutcome {
	scene, ok := o.store.Scene(sceneID)
	if !ok {
		// Сцена удалена, пока ждала в очереди
		o.logger.Warn("Queued scene no longer exists, dropping", zap.String("scene_id", sceneID))
		return outcomeDropped
	}

	log := o.logger.With(zap.String("scene_id", sceneID))
	log.Info("Scene generation started")
	o.store.SetSceneStatus(sceneID, model.StatusGenerating)

	characters := o.store.ResolveCharacters(scene.CharacterIDs)
	stylePrompt := o.store.StylePrompt()
	aspect := o.store.AspectRatio()

	// Сбойные слоты пересчитываются заново, поэтому итоговый статус сцены
	// определяется только исходами этого прохода.
	hasFailed := false

	for i, shotType := range model.ShotTypes {
		// Идемпотентное возобновление: уже готовые кадры не пересчитываются
		if existing, ok := o.store.Shot(sceneID, i); ok && !existing.Failed() {
			continue
		}

		outcome := o.generateShot(sceneID, i, shotType, scene, characters, stylePrompt, aspect, log)
		switch outcome {
		case shotQuota:
			// Пишем обратно статус queued вместо failed: сцена не виновата
			// в исчерпании квоты и будет повторена первой после паузы.
			o.store.SetSceneStatus(sceneID, model.StatusQueued)
			o.setCurrentShot(nil)
			o.pauseForQuota()
			return outcomePaused
		case shotFailed:
			hasFailed = true
		}

		// Межзапросная пауза между непоследними кадрами сцены
		if i < len(model.ShotTypes)-1 {
			select {
			case <-time.After(o.cfg.ShotDelay):
			case <-o.stopCh:
				o.setCurrentShot(nil)
				return outcomeStopped
			}
		}
	}

	o.setCurrentShot(nil)
	status := model.StatusCompleted
	if hasFailed {
		status = model.StatusFailed
	}
	o.store.SetSceneStatus(sceneID, status)
	scenesProcessed.WithLabelValues(string(status)).Inc()
	log.Info("Scene generation finished", zap.String("status", string(status)))
	return outcomeDone
}

type shotOutcome int

const (
	shotOK shotOutcome = iota
	shotFailed
	shotQuota
)

// generateShot генерирует один кадр и записывает результат в слот.
// Слот пишется сразу по завершении, до начала следующего кадра, чтобы
// частичный прогресс сцены переживал поздние сбои.
func (o *Orchestrator) generateShot(
	sceneID string,
	shotIndex int,
	shotType string,
	scene *model.Scene,
	characters []*model.Character,
	stylePrompt string,
	aspect model.AspectRatio,
	log *zap.Logger,
) shotOutcome {
	// Сериализация с RetryShot: один писатель на сцену в каждый момент
	lock := o.sceneLock(sceneID)
	lock.Lock()
	defer lock.Unlock()

	o.setCurrentShot(&ShotRef{SceneID: sceneID, ShotType: shotType})

	ctx := context.Background()
	req := gen.ShotRequest{
		Description: scene.Description,
		Setting:     scene.Setting,
		ShotType:    shotType,
		Characters:  characters,
		StylePrompt: stylePrompt,
		AspectRatio: aspect,
	}
	if o.detail != nil {
		if detail := o.detail.DetailDescription(ctx, shotType, scene.Description); detail != scene.Description {
			req.DetailDescription = detail
		}
	}

	start := time.Now()
	img, err := o.gen.RenderShot(ctx, req)
	shotDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if gen.IsQuota(err) {
			log.Warn("Quota exhausted during shot generation",
				zap.String("shot_type", shotType), zap.Error(err))
			return shotQuota
		}
		log.Error("Shot generation failed",
			zap.String("shot_type", shotType), zap.Error(err))
		shotsGenerated.WithLabelValues("error").Inc()
		o.store.WriteShot(sceneID, shotIndex, &model.GeneratedShot{
			ShotType: shotType,
			Error:    err.Error(),
		})
		return shotFailed
	}

	shotsGenerated.WithLabelValues("success").Inc()
	o.store.WriteShot(sceneID, shotIndex, &model.GeneratedShot{
		ShotType: shotType,
		ImageURL: model.ShotImagePath(o.store.ProjectID(), sceneID, shotIndex),
		MimeType: img.MimeType,
		Image:    img.Data,
	})
	return shotOK
}

// pauseForQuota приостанавливает очередь и планирует автоматическое
// возобновление через QuotaPause.
func (o *Orchestrator) pauseForQuota() {
	quotaPauses.Inc()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.paused = true
	o.pauseMessage = fmt.Sprintf("API quota reached. Pausing for %d seconds, will resume automatically...", int(o.cfg.QuotaPause.Seconds()))
	if o.resumeTimer != nil {
		o.resumeTimer.Stop()
	}
	o.resumeTimer = time.AfterFunc(o.cfg.QuotaPause, o.Resume)
	o.mu.Unlock()
	o.logger.Warn("Generation queue paused", zap.Duration("resume_in", o.cfg.QuotaPause))
}

// Resume снимает паузу и перезапускает воркер с текущей головы очереди.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if o.closed || !o.paused {
		o.mu.Unlock()
		return
	}
	o.paused = false
	o.pauseMessage = ""
	if o.resumeTimer != nil {
		o.resumeTimer.Stop()
		o.resumeTimer = nil
	}
	o.maybeStartLocked()
	o.mu.Unlock()
	o.logger.Info("Generation queue resumed")
}

// Reorder переносит сцену draggedID в каноническом списке на позицию
// перед targetID и пересортировывает очередь по новому порядку.
// Состав очереди при этом не меняется.
func (o *Orchestrator) Reorder(draggedID, targetID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.processing {
		return ErrBusyGenerating
	}
	if !o.store.ReorderScenes(draggedID, targetID) {
		return ErrSceneNotFound
	}
	if len(o.queue) > 0 {
		order := make(map[string]int, len(o.queue))
		for i, id := range o.store.SceneOrder() {
			order[id] = i
		}
		sort.SliceStable(o.queue, func(a, b int) bool {
			ia, ok := order[o.queue[a]]
			if !ok {
				ia = -1
			}
			ib, ok := order[o.queue[b]]
			if !ok {
				ib = -1
			}
			return ia < ib
		})
	}
	return nil
}

// ClearQueue опустошает очередь и возвращает все ожидавшие сцены в idle.
// Уже сгенерированные кадры этих сцен сохраняются.
func (o *Orchestrator) ClearQueue() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.processing {
		return ErrBusyGenerating
	}
	for _, id := range o.queue {
		o.store.SetSceneStatus(id, model.StatusIdle)
	}
	o.queue = nil
	queueDepth.Set(0)
	o.logger.Info("Generation queue cleared")
	return nil
}

// RetryShot перегенерирует один кадр вне очереди, без межзапросных пауз.
// Статус сцены и очередь не затрагиваются; результат (успех или ошибка)
// пишется только в целевой слот.
func (o *Orchestrator) RetryShot(ctx context.Context, sceneID, shotType string) (*model.GeneratedShot, error) {
	shotIndex := model.ShotTypeIndex(shotType)
	if shotIndex == -1 {
		return nil, ErrUnknownShotType
	}
	scene, ok := o.store.Scene(sceneID)
	if !ok {
		return nil, ErrSceneNotFound
	}

	lock := o.sceneLock(sceneID)
	lock.Lock()
	defer lock.Unlock()

	o.store.ClearShot(sceneID, shotIndex)
	o.setCurrentShot(&ShotRef{SceneID: sceneID, ShotType: shotType})
	defer o.setCurrentShot(nil)

	req := gen.ShotRequest{
		Description: scene.Description,
		Setting:     scene.Setting,
		ShotType:    shotType,
		Characters:  o.store.ResolveCharacters(scene.CharacterIDs),
		StylePrompt: o.store.StylePrompt(),
		AspectRatio: o.store.AspectRatio(),
	}
	if o.detail != nil {
		if detail := o.detail.DetailDescription(ctx, shotType, scene.Description); detail != scene.Description {
			req.DetailDescription = detail
		}
	}

	img, err := o.gen.RenderShot(ctx, req)
	if err != nil {
		o.logger.Error("Shot retry failed",
			zap.String("scene_id", sceneID), zap.String("shot_type", shotType), zap.Error(err))
		retriesTotal.WithLabelValues("error").Inc()
		failed := &model.GeneratedShot{ShotType: shotType, Error: err.Error()}
		o.store.WriteShot(sceneID, shotIndex, failed)
		return failed, nil
	}

	retriesTotal.WithLabelValues("success").Inc()
	shot := &model.GeneratedShot{
		ShotType: shotType,
		ImageURL: model.ShotImagePath(o.store.ProjectID(), sceneID, shotIndex),
		MimeType: img.MimeType,
		Image:    img.Data,
	}
	o.store.WriteShot(sceneID, shotIndex, shot)
	return shot.Clone(), nil
}

// setCurrentShot обновляет индикатор генерируемого кадра.
func (o *Orchestrator) setCurrentShot(ref *ShotRef) {
	o.mu.Lock()
	o.currentShot = ref
	o.mu.Unlock()
}

// Snapshot возвращает снимок состояния очереди для API.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := State{
		Queue:        append([]string(nil), o.queue...),
		Processing:   o.processing,
		Paused:       o.paused,
		PauseMessage: o.pauseMessage,
	}
	if o.currentShot != nil {
		ref := *o.currentShot
		st.CurrentShot = &ref
	}
	return st
}

// Close останавливает воркер и таймер возобновления. Уже начатый запрос
// к внешнему сервису не прерывается: настоящей отмены in-flight вызова
// нет, останавливается только продвижение очереди.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	if o.resumeTimer != nil {
		o.resumeTimer.Stop()
		o.resumeTimer = nil
	}
	close(o.stopCh)
	o.mu.Unlock()
	o.wg.Wait()
}
