package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dulorai/tmdh-studio/internal/gen"
	"github.com/dulorai/tmdh-studio/internal/model"
	"github.com/dulorai/tmdh-studio/internal/store"
)

// scriptedGen — подставной генератор: отдает картинку на каждый запрос,
// если скрипт не велит иначе. Скрипт получает порядковый номер вызова
// RenderShot, начиная с нуля.
type scriptedGen struct {
	mu     sync.Mutex
	calls  []gen.ShotRequest
	script func(call int, req gen.ShotRequest) (*gen.RenderedImage, error)
}

func (f *scriptedGen) RenderShot(ctx context.Context, req gen.ShotRequest) (*gen.RenderedImage, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, req)
	script := f.script
	f.mu.Unlock()

	if script != nil {
		return script(call, req)
	}
	return &gen.RenderedImage{Data: []byte{0xAA}, MimeType: "image/png"}, nil
}

func (f *scriptedGen) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *scriptedGen) callsSnapshot() []gen.ShotRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gen.ShotRequest(nil), f.calls...)
}

func (f *scriptedGen) SplitIntoScenes(ctx context.Context, text string, sceneCount int) ([]model.SceneDescriptor, error) {
	return nil, errors.New("not implemented")
}

func (f *scriptedGen) AnalyzeStyle(ctx context.Context, image gen.ReferenceImage) (string, error) {
	return "", errors.New("not implemented")
}

func (f *scriptedGen) RenderCharacterPortrait(ctx context.Context, prompt string) (*gen.RenderedImage, error) {
	return nil, errors.New("not implemented")
}

func quotaErr() error {
	return &gen.Error{Kind: gen.KindQuota, Op: "render_shot", Err: errors.New("RESOURCE_EXHAUSTED: quota exceeded")}
}

func newTestStore(t *testing.T, sceneCount int) (*store.ProjectStore, []*model.Scene) {
	t.Helper()
	st := store.NewProjectStore("lyrics", sceneCount, model.AspectLandscape, nil)
	descriptors := make([]model.SceneDescriptor, sceneCount)
	for i := range descriptors {
		descriptors[i] = model.SceneDescriptor{
			Lyrics:      "строка " + string(rune('A'+i)),
			Description: "сцена " + string(rune('A'+i)),
			Setting:     "сеттинг",
		}
	}
	return st, st.CreateScenes(descriptors)
}

func newTestOrchestrator(t *testing.T, st *store.ProjectStore, g gen.Generator) *Orchestrator {
	t.Helper()
	o := New(st, g, nil, Config{
		ShotDelay:  time.Millisecond,
		QuotaPause: 50 * time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(o.Close)
	return o
}

// waitStatus ждет, пока сцена не перейдет в ожидаемый терминальный статус.
func waitStatus(t *testing.T, st *store.ProjectStore, sceneID string, want model.GenerationStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		sc, ok := st.Scene(sceneID)
		return ok && sc.Status == want
	}, 5*time.Second, 2*time.Millisecond, "scene did not reach status %s", want)
}

func TestEnqueueGeneratesAllShotsInOrder(t *testing.T) {
	st, scenes := newTestStore(t, 1)
	fg := &scriptedGen{}
	o := newTestOrchestrator(t, st, fg)

	require.NoError(t, o.Enqueue(scenes[0].ID))
	waitStatus(t, st, scenes[0].ID, model.StatusCompleted)

	calls := fg.callsSnapshot()
	require.Len(t, calls, len(model.ShotTypes))
	for i, call := range calls {
		assert.Equal(t, model.ShotTypes[i], call.ShotType, "call %d out of order", i)
	}

	for i := range model.ShotTypes {
		shot, ok := st.Shot(scenes[0].ID, i)
		require.True(t, ok, "slot %d is empty", i)
		assert.False(t, shot.Failed())
		assert.NotEmpty(t, shot.ImageURL)
		assert.NotEmpty(t, shot.Image)
	}

	// Очередь пуста, воркер остановился
	require.Eventually(t, func() bool {
		snap := o.Snapshot()
		return !snap.Processing && len(snap.Queue) == 0
	}, time.Second, 2*time.Millisecond)
}

func TestQueueIsFIFO(t *testing.T) {
	st, scenes := newTestStore(t, 3)
	fg := &scriptedGen{}
	o := newTestOrchestrator(t, st, fg)

	for _, sc := range scenes {
		require.NoError(t, o.Enqueue(sc.ID))
	}
	for _, sc := range scenes {
		waitStatus(t, st, sc.ID, model.StatusCompleted)
	}

	calls := fg.callsSnapshot()
	require.Len(t, calls, 3*len(model.ShotTypes))
	// Все кадры первой сцены раньше кадров второй, второй — раньше третьей
	for i, call := range calls {
		wantScene := scenes[i/len(model.ShotTypes)]
		assert.Equal(t, wantScene.Description, call.Description, "call %d belongs to the wrong scene", i)
	}
}

func TestProcessSceneSkipsAlreadyFilledSlots(t *testing.T) {
	st, scenes := newTestStore(t, 1)
	id := scenes[0].ID

	// Слоты 0-2 уже готовы, слот 3 сбойный: пересчитать нужно 3..8
	for i := 0; i < 3; i++ {
		st.WriteShot(id, i, &model.GeneratedShot{
			ShotType: model.ShotTypes[i],
			ImageURL: "/keep",
			MimeType: "image/png",
			Image:    []byte{1},
		})
	}
	st.WriteShot(id, 3, &model.GeneratedShot{ShotType: model.ShotTypes[3], Error: "boom"})

	fg := &scriptedGen{}
	o := newTestOrchestrator(t, st, fg)

	require.NoError(t, o.Enqueue(id))
	waitStatus(t, st, id, model.StatusCompleted)

	calls := fg.callsSnapshot()
	require.Len(t, calls, len(model.ShotTypes)-3)
	for i, call := range calls {
		assert.Equal(t, model.ShotTypes[i+3], call.ShotType)
	}

	// Готовые слоты не перезаписаны
	shot, ok := st.Shot(id, 0)
	require.True(t, ok)
	assert.Equal(t, "/keep", shot.ImageURL)
}

func TestOrdinaryFailureMarksSlotAndContinues(t *testing.T) {
	st, scenes := newTestStore(t, 1)
	fg := &scriptedGen{
		script: func(call int, req gen.ShotRequest) (*gen.RenderedImage, error) {
			if call == 2 {
				return nil, &gen.Error{Kind: gen.KindBadResponse, Op: "render_shot", Err: errors.New("no image in response")}
			}
			return &gen.RenderedImage{Data: []byte{1}, MimeType: "image/png"}, nil
		},
	}
	o := newTestOrchestrator(t, st, fg)

	require.NoError(t, o.Enqueue(scenes[0].ID))
	waitStatus(t, st, scenes[0].ID, model.StatusFailed)

	// Конвейер дошел до конца, несмотря на сбой третьего кадра
	assert.Equal(t, len(model.ShotTypes), fg.callCount())

	shot, ok := st.Shot(scenes[0].ID, 2)
	require.True(t, ok)
	assert.True(t, shot.Failed())
	assert.NotEmpty(t, shot.Error)

	// Соседние слоты успешны
	shot, ok = st.Shot(scenes[0].ID, 1)
	require.True(t, ok)
	assert.False(t, shot.Failed())
}

func TestQuotaPausesAndAutoResumes(t *testing.T) {
	st, scenes := newTestStore(t, 1)
	id := scenes[0].ID

	quotaFired := false
	var mu sync.Mutex
	fg := &scriptedGen{}
	fg.script = func(call int, req gen.ShotRequest) (*gen.RenderedImage, error) {
		mu.Lock()
		defer mu.Unlock()
		// Четвертый кадр первый раз упирается в квоту
		if req.ShotType == model.ShotTypes[3] && !quotaFired {
			quotaFired = true
			return nil, quotaErr()
		}
		return &gen.RenderedImage{Data: []byte{1}, MimeType: "image/png"}, nil
	}
	o := New(st, fg, nil, Config{ShotDelay: time.Millisecond, QuotaPause: 250 * time.Millisecond}, zap.NewNop())
	t.Cleanup(o.Close)

	require.NoError(t, o.Enqueue(id))

	// Дожидаемся паузы: сцена вернулась в queued и осталась в голове очереди
	require.Eventually(t, func() bool {
		snap := o.Snapshot()
		return snap.Paused
	}, 5*time.Second, 2*time.Millisecond)

	snap := o.Snapshot()
	assert.Contains(t, snap.PauseMessage, "quota")
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, id, snap.Queue[0])
	sc, ok := st.Scene(id)
	require.True(t, ok)
	assert.Equal(t, model.StatusQueued, sc.Status)

	// Пауза снимается сама, генерация доходит до конца
	waitStatus(t, st, id, model.StatusCompleted)

	// Готовые до паузы кадры не пересчитывались: 4 вызова до квоты,
	// 6 после возобновления (кадры 3..8)
	assert.Equal(t, 10, fg.callCount())
}

func TestEnqueueRejectsDuplicates(t *testing.T) {
	st, scenes := newTestStore(t, 1)
	id := scenes[0].ID

	// Блокируем воркер, чтобы сцена гарантированно оставалась в работе
	release := make(chan struct{})
	fg := &scriptedGen{
		script: func(call int, req gen.ShotRequest) (*gen.RenderedImage, error) {
			<-release
			return &gen.RenderedImage{Data: []byte{1}, MimeType: "image/png"}, nil
		},
	}
	o := newTestOrchestrator(t, st, fg)

	require.NoError(t, o.Enqueue(id))
	require.Eventually(t, func() bool {
		sc, _ := st.Scene(id)
		return sc.Status == model.StatusGenerating
	}, time.Second, 2*time.Millisecond)

	err := o.Enqueue(id)
	assert.ErrorIs(t, err, ErrSceneNotEnqueueable)

	close(release)
	waitStatus(t, st, id, model.StatusCompleted)

	// Завершенная сцена тоже не ставится в очередь повторно
	err = o.Enqueue(id)
	assert.ErrorIs(t, err, ErrSceneNotEnqueueable)
}

func TestEnqueueUnknownScene(t *testing.T) {
	st, _ := newTestStore(t, 1)
	o := newTestOrchestrator(t, st, &scriptedGen{})
	assert.ErrorIs(t, o.Enqueue("ghost"), ErrSceneNotFound)
}

func TestFailedSceneCanBeRequeued(t *testing.T) {
	st, scenes := newTestStore(t, 1)
	id := scenes[0].ID

	failOnce := true
	var mu sync.Mutex
	fg := &scriptedGen{}
	fg.script = func(call int, req gen.ShotRequest) (*gen.RenderedImage, error) {
		mu.Lock()
		defer mu.Unlock()
		if req.ShotType == model.ShotTypes[0] && failOnce {
			failOnce = false
			return nil, &gen.Error{Kind: gen.KindTransport, Op: "render_shot", Err: errors.New("connection reset")}
		}
		return &gen.RenderedImage{Data: []byte{1}, MimeType: "image/png"}, nil
	}
	o := newTestOrchestrator(t, st, fg)

	require.NoError(t, o.Enqueue(id))
	waitStatus(t, st, id, model.StatusFailed)

	// Повторная постановка из failed допустима и пересчитывает только сбойный слот
	require.NoError(t, o.Enqueue(id))
	waitStatus(t, st, id, model.StatusCompleted)

	assert.Equal(t, len(model.ShotTypes)+1, fg.callCount())
}

func TestClearQueueDuringPause(t *testing.T) {
	st, scenes := newTestStore(t, 2)
	a, b := scenes[0].ID, scenes[1].ID

	fg := &scriptedGen{
		script: func(call int, req gen.ShotRequest) (*gen.RenderedImage, error) {
			return nil, quotaErr()
		},
	}
	o := New(st, fg, nil, Config{ShotDelay: time.Millisecond, QuotaPause: time.Hour}, zap.NewNop())
	t.Cleanup(o.Close)

	require.NoError(t, o.Enqueue(a))
	require.Eventually(t, func() bool { return o.Snapshot().Paused }, time.Second, 2*time.Millisecond)

	require.NoError(t, o.Enqueue(b))
	require.Len(t, o.Snapshot().Queue, 2)

	require.NoError(t, o.ClearQueue())
	assert.Empty(t, o.Snapshot().Queue)

	for _, id := range []string{a, b} {
		sc, ok := st.Scene(id)
		require.True(t, ok)
		assert.Equal(t, model.StatusIdle, sc.Status)
	}
}

func TestClearQueueAndReorderRejectedWhileGenerating(t *testing.T) {
	st, scenes := newTestStore(t, 2)
	release := make(chan struct{})
	fg := &scriptedGen{
		script: func(call int, req gen.ShotRequest) (*gen.RenderedImage, error) {
			<-release
			return &gen.RenderedImage{Data: []byte{1}, MimeType: "image/png"}, nil
		},
	}
	o := newTestOrchestrator(t, st, fg)

	require.NoError(t, o.Enqueue(scenes[0].ID))
	require.Eventually(t, func() bool { return o.Snapshot().Processing }, time.Second, 2*time.Millisecond)

	assert.ErrorIs(t, o.ClearQueue(), ErrBusyGenerating)
	assert.ErrorIs(t, o.Reorder(scenes[0].ID, scenes[1].ID), ErrBusyGenerating)

	close(release)
	waitStatus(t, st, scenes[0].ID, model.StatusCompleted)
}

func TestReorderDuringPauseResortsQueue(t *testing.T) {
	st, scenes := newTestStore(t, 2)
	a, b := scenes[0].ID, scenes[1].ID

	quotaFired := false
	var mu sync.Mutex
	fg := &scriptedGen{}
	fg.script = func(call int, req gen.ShotRequest) (*gen.RenderedImage, error) {
		mu.Lock()
		defer mu.Unlock()
		if !quotaFired {
			quotaFired = true
			return nil, quotaErr()
		}
		return &gen.RenderedImage{Data: []byte{1}, MimeType: "image/png"}, nil
	}
	o := New(st, fg, nil, Config{ShotDelay: time.Millisecond, QuotaPause: 500 * time.Millisecond}, zap.NewNop())
	t.Cleanup(o.Close)

	require.NoError(t, o.Enqueue(a))
	require.Eventually(t, func() bool { return o.Snapshot().Paused }, time.Second, 2*time.Millisecond)
	require.NoError(t, o.Enqueue(b))
	require.Equal(t, []string{a, b}, o.Snapshot().Queue)

	// Во время паузы перенос B перед A меняет и канонический порядок,
	// и порядок очереди
	require.NoError(t, o.Reorder(b, a))
	assert.Equal(t, []string{b, a}, st.SceneOrder())
	assert.Equal(t, []string{b, a}, o.Snapshot().Queue)

	waitStatus(t, st, a, model.StatusCompleted)
	waitStatus(t, st, b, model.StatusCompleted)

	// После возобновления первой обработана сцена B
	calls := fg.callsSnapshot()
	require.NotEmpty(t, calls)
	assert.Equal(t, scenes[1].Description, calls[1].Description, "scene B should be processed first after reorder")
}

func TestRetryShotRewritesOnlyTargetSlot(t *testing.T) {
	st, scenes := newTestStore(t, 1)
	id := scenes[0].ID

	st.WriteShot(id, 0, &model.GeneratedShot{
		ShotType: model.ShotTypes[0],
		ImageURL: "/keep",
		MimeType: "image/png",
		Image:    []byte{1},
	})
	st.WriteShot(id, 2, &model.GeneratedShot{ShotType: model.ShotTypes[2], Error: "boom"})

	fg := &scriptedGen{}
	o := newTestOrchestrator(t, st, fg)

	shot, err := o.RetryShot(context.Background(), id, model.ShotTypes[2])
	require.NoError(t, err)
	require.NotNil(t, shot)
	assert.False(t, shot.Failed())
	assert.NotEmpty(t, shot.ImageURL)

	// Целевой слот перезаписан
	got, ok := st.Shot(id, 2)
	require.True(t, ok)
	assert.False(t, got.Failed())

	// Соседний слот не тронут
	got, ok = st.Shot(id, 0)
	require.True(t, ok)
	assert.Equal(t, "/keep", got.ImageURL)

	// Ровно один вызов генерации
	assert.Equal(t, 1, fg.callCount())
}

func TestRetryShotWritesErrorIntoSlot(t *testing.T) {
	st, scenes := newTestStore(t, 1)
	id := scenes[0].ID

	fg := &scriptedGen{
		script: func(call int, req gen.ShotRequest) (*gen.RenderedImage, error) {
			return nil, &gen.Error{Kind: gen.KindTransport, Op: "render_shot", Err: errors.New("timeout")}
		},
	}
	o := newTestOrchestrator(t, st, fg)

	shot, err := o.RetryShot(context.Background(), id, model.ShotTypes[0])
	require.NoError(t, err)
	require.NotNil(t, shot)
	assert.True(t, shot.Failed())

	got, ok := st.Shot(id, 0)
	require.True(t, ok)
	assert.True(t, got.Failed())
}

func TestRetryShotValidation(t *testing.T) {
	st, scenes := newTestStore(t, 1)
	o := newTestOrchestrator(t, st, &scriptedGen{})

	_, err := o.RetryShot(context.Background(), scenes[0].ID, "Dutch Angle")
	assert.ErrorIs(t, err, ErrUnknownShotType)

	_, err = o.RetryShot(context.Background(), "ghost", model.ShotTypes[0])
	assert.ErrorIs(t, err, ErrSceneNotFound)
}

func TestEnqueueAfterClose(t *testing.T) {
	st, scenes := newTestStore(t, 1)
	o := New(st, &scriptedGen{}, nil, Config{ShotDelay: time.Millisecond, QuotaPause: time.Millisecond}, zap.NewNop())
	o.Close()
	assert.ErrorIs(t, o.Enqueue(scenes[0].ID), ErrClosed)
}

// detailGen дополняет scriptedGen хуком детализации.
type detailHookFunc func(ctx context.Context, shotType, sceneDescription string) string

func (f detailHookFunc) DetailDescription(ctx context.Context, shotType, sceneDescription string) string {
	return f(ctx, shotType, sceneDescription)
}

func TestDetailHookAppliesOnlyToDetailShots(t *testing.T) {
	st, scenes := newTestStore(t, 1)
	fg := &scriptedGen{}

	hook := detailHookFunc(func(ctx context.Context, shotType, sceneDescription string) string {
		if shotType == "Object Close-up" || shotType == "Insert Shot" {
			return "крупный план предмета: " + sceneDescription
		}
		return sceneDescription
	})

	o := New(st, fg, hook, Config{ShotDelay: time.Millisecond, QuotaPause: time.Millisecond}, zap.NewNop())
	t.Cleanup(o.Close)

	require.NoError(t, o.Enqueue(scenes[0].ID))
	waitStatus(t, st, scenes[0].ID, model.StatusCompleted)

	for _, call := range fg.callsSnapshot() {
		if call.ShotType == "Object Close-up" || call.ShotType == "Insert Shot" {
			assert.NotEmpty(t, call.DetailDescription, "detail shot %s must carry rewritten description", call.ShotType)
		} else {
			assert.Empty(t, call.DetailDescription, "regular shot %s must not carry detail description", call.ShotType)
		}
	}
}
