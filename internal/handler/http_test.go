package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dulorai/tmdh-studio/internal/auth"
	"github.com/dulorai/tmdh-studio/internal/export"
	"github.com/dulorai/tmdh-studio/internal/gen"
	"github.com/dulorai/tmdh-studio/internal/mocks"
	"github.com/dulorai/tmdh-studio/internal/model"
	"github.com/dulorai/tmdh-studio/internal/orchestrator"
	"github.com/dulorai/tmdh-studio/internal/service"
)

type testServer struct {
	router *gin.Engine
	studio *service.Studio
	gen    *mocks.MockGenerator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mg := mocks.NewMockGenerator(t)
	assembler := export.NewVideoAssembler(export.VideoConfig{
		OutputDir:    t.TempDir(),
		ShotDuration: time.Second,
	}, zap.NewNop())
	tasks := export.NewTaskManager(2, zap.NewNop())

	studio := service.NewStudio(mg, nil, service.Config{
		MaxSceneCount: 10,
		Orchestrator: orchestrator.Config{
			ShotDelay:  time.Millisecond,
			QuotaPause: time.Millisecond,
		},
	}, assembler, tasks, zap.NewNop())
	t.Cleanup(studio.Close)

	gate := auth.NewGate([]string{"STUDIO-2024"}, "test-secret", time.Hour, auth.NewMemoryTokenStore(), zap.NewNop())

	ws := NewWSHandler(studio, zap.NewNop())
	h := NewHTTPHandler(studio, gate, ws, 1<<20, zap.NewNop())

	router := gin.New()
	h.RegisterRoutes(router)

	return &testServer{router: router, studio: studio, gen: mg}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) authToken(t *testing.T) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/auth/invite", "", map[string]string{"code": "studio-2024"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp inviteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/api/v1/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = srv.do(t, http.MethodGet, "/api/v1/projects", "bogus-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInviteExchange(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPost, "/api/v1/auth/invite", "", map[string]string{"code": "WRONG"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token := srv.authToken(t)
	w = srv.do(t, http.MethodGet, "/api/v1/projects", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	token := srv.authToken(t)

	// Создание проекта
	w := srv.do(t, http.MethodPost, "/api/v1/projects", token, createProjectRequest{
		Lyrics:         "текст песни",
		SceneCount:     2,
		AspectRatio:    "9:16",
		SelectedStyles: []string{"Anime"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var project model.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))
	require.NotEmpty(t, project.ID)
	assert.Equal(t, model.AspectPortrait, project.AspectRatio)

	// Разбиение на сцены
	srv.gen.On("SplitIntoScenes", mock.Anything, "текст песни", 2).Return([]model.SceneDescriptor{
		{Lyrics: "a", Description: "d1", Setting: "s1"},
		{Lyrics: "b", Description: "d2", Setting: "s2"},
	}, nil).Once()

	w = srv.do(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/scenes/split", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var scenes []*model.Scene
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scenes))
	require.Len(t, scenes, 2)

	// Частичное обновление сцены
	w = srv.do(t, http.MethodPatch, "/api/v1/projects/"+project.ID+"/scenes/"+scenes[0].ID, token,
		map[string]string{"description": "обновленное описание"})
	require.Equal(t, http.StatusOK, w.Code)
	var patched model.Scene
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &patched))
	assert.Equal(t, "обновленное описание", patched.Description)
	assert.Equal(t, "s1", patched.Setting)

	// Снимок проекта целиком
	w = srv.do(t, http.MethodGet, "/api/v1/projects/"+project.ID, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snapshot projectSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Equal(t, project.ID, snapshot.Project.ID)
	assert.Len(t, snapshot.Scenes, 2)
	assert.False(t, snapshot.Queue.Processing)

	// Кадр еще не сгенерирован
	w = srv.do(t, http.MethodGet, "/api/v1/projects/"+project.ID+"/scenes/"+scenes[0].ID+"/shots/0/image", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Удаление проекта
	w = srv.do(t, http.MethodDelete, "/api/v1/projects/"+project.ID, token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = srv.do(t, http.MethodGet, "/api/v1/projects/"+project.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueEndpoints(t *testing.T) {
	srv := newTestServer(t)
	token := srv.authToken(t)

	w := srv.do(t, http.MethodPost, "/api/v1/projects", token, createProjectRequest{
		Lyrics: "text", SceneCount: 1, AspectRatio: "16:9",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var project model.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))

	srv.gen.On("SplitIntoScenes", mock.Anything, mock.Anything, 1).Return([]model.SceneDescriptor{
		{Description: "d", Setting: "s"},
	}, nil).Once()
	w = srv.do(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/scenes/split", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var scenes []*model.Scene
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scenes))

	// Постановка неизвестной сцены
	w = srv.do(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/queue", token, enqueueRequest{SceneID: "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Генерация одного кадра по запросу
	srv.gen.On("RenderShot", mock.Anything, mock.Anything).
		Return(&gen.RenderedImage{Data: []byte{1}, MimeType: "image/png"}, nil)

	w = srv.do(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/scenes/"+scenes[0].ID+"/retry", token,
		retryShotRequest{ShotType: model.ShotTypes[0]})
	require.Equal(t, http.StatusOK, w.Code)
	var shot model.GeneratedShot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &shot))
	assert.NotEmpty(t, shot.ImageURL)

	// Байты кадра доступны по URL из ответа
	w = srv.do(t, http.MethodGet, shot.ImageURL, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	// Неизвестный тип кадра
	w = srv.do(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/scenes/"+scenes[0].ID+"/retry", token,
		retryShotRequest{ShotType: "Dutch Angle"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStylesCatalog(t *testing.T) {
	srv := newTestServer(t)
	token := srv.authToken(t)

	w := srv.do(t, http.MethodGet, "/api/v1/styles", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp stylesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.PresetStyles, resp.PresetStyles)
	assert.Equal(t, model.ShotTypes, resp.ShotTypes)
}
