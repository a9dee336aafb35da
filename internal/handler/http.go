package handler

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dulorai/tmdh-studio/internal/auth"
	"github.com/dulorai/tmdh-studio/internal/export"
	"github.com/dulorai/tmdh-studio/internal/gen"
	"github.com/dulorai/tmdh-studio/internal/model"
	"github.com/dulorai/tmdh-studio/internal/orchestrator"
	"github.com/dulorai/tmdh-studio/internal/service"
	"github.com/dulorai/tmdh-studio/internal/store"
)

// HTTPHandler связывает REST API с сервисом Studio.
type HTTPHandler struct {
	studio    *service.Studio
	gate      *auth.Gate
	ws        *WSHandler
	maxUpload int64
	logger    *zap.Logger
}

// NewHTTPHandler создает обработчик API.
func NewHTTPHandler(studio *service.Studio, gate *auth.Gate, ws *WSHandler, maxUpload int64, logger *zap.Logger) *HTTPHandler {
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &HTTPHandler{
		studio:    studio,
		gate:      gate,
		ws:        ws,
		maxUpload: maxUpload,
		logger:    logger.With(zap.String("component", "http")),
	}
}

// RegisterRoutes вешает маршруты API на gin-движок. Все маршруты, кроме
// обмена инвайт-кода и служебных, закрыты инвайт-токеном.
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.POST("/auth/invite", h.exchangeInvite)

	protected := api.Group("")
	protected.Use(auth.Middleware(h.gate))
	{
		protected.GET("/styles", h.listStyles)

		protected.POST("/projects", h.createProject)
		protected.GET("/projects", h.listProjects)
		protected.GET("/projects/:id", h.getProject)
		protected.PUT("/projects/:id/inputs", h.updateInputs)
		protected.DELETE("/projects/:id", h.deleteProject)

		protected.POST("/projects/:id/scenes/split", h.splitScenes)
		protected.GET("/projects/:id/scenes", h.listScenes)
		protected.PATCH("/projects/:id/scenes/:sceneId", h.patchScene)
		protected.POST("/projects/:id/scenes/:sceneId/retry", h.retryShot)
		protected.GET("/projects/:id/scenes/:sceneId/shots/:shotIndex/image", h.shotImage)

		protected.POST("/projects/:id/characters", h.uploadCharacter)
		protected.POST("/projects/:id/characters/generate", h.generateCharacter)
		protected.PATCH("/projects/:id/characters/:characterId", h.renameCharacter)
		protected.DELETE("/projects/:id/characters/:characterId", h.removeCharacter)
		protected.GET("/projects/:id/characters/:characterId/image", h.characterImage)

		protected.POST("/projects/:id/style", h.uploadStyle)
		protected.POST("/projects/:id/style/analyze", h.analyzeStyle)
		protected.DELETE("/projects/:id/style", h.clearStyle)

		protected.GET("/projects/:id/queue", h.queueState)
		protected.POST("/projects/:id/queue", h.enqueueScene)
		protected.DELETE("/projects/:id/queue", h.clearQueue)
		protected.POST("/projects/:id/queue/reorder", h.reorderScenes)
		protected.POST("/projects/:id/queue/resume", h.resumeQueue)

		protected.GET("/projects/:id/export/zip", h.exportZip)
		protected.POST("/projects/:id/export/video", h.startVideoExport)
		protected.GET("/export/tasks/:taskId", h.exportTask)
		protected.GET("/export/tasks/:taskId/download", h.downloadExport)
	}

	ws := r.Group("/ws")
	ws.Use(auth.Middleware(h.gate))
	ws.GET("/projects/:id", h.ws.Serve)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// handleServiceError переводит ошибки нижних слоев в HTTP-статусы.
func (h *HTTPHandler) handleServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrProjectNotFound),
		errors.Is(err, service.ErrCharacterNotFound),
		errors.Is(err, service.ErrSceneNotFound),
		errors.Is(err, service.ErrShotNotReady),
		errors.Is(err, orchestrator.ErrSceneNotFound),
		errors.Is(err, export.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrTooManyScenes),
		errors.Is(err, service.ErrEmptyLyrics),
		errors.Is(err, service.ErrNoStyleReference),
		errors.Is(err, orchestrator.ErrUnknownShotType),
		errors.Is(err, export.ErrNoFrames):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrSceneNotEnqueueable),
		errors.Is(err, orchestrator.ErrBusyGenerating):
		status = http.StatusConflict
	case errors.Is(err, export.ErrTooManyTasks), gen.IsQuota(err):
		status = http.StatusTooManyRequests
	case errors.Is(err, auth.ErrInvalidInviteCode), errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrStudioClosed), errors.Is(err, orchestrator.ErrClosed):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error()})
}

func (h *HTTPHandler) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}

func (h *HTTPHandler) exchangeInvite(c *gin.Context) {
	var req inviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	token, err := h.gate.Exchange(c.Request.Context(), req.Code)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, inviteResponse{Token: token})
}

func (h *HTTPHandler) listStyles(c *gin.Context) {
	c.JSON(http.StatusOK, stylesResponse{
		PresetStyles: model.PresetStyles,
		ShotTypes:    model.ShotTypes,
	})
}

func (h *HTTPHandler) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	project, err := h.studio.CreateProject(req.Lyrics, req.SceneCount, model.AspectRatio(req.AspectRatio), req.SelectedStyles)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *HTTPHandler) listProjects(c *gin.Context) {
	c.JSON(http.StatusOK, h.studio.ListProjects())
}

func (h *HTTPHandler) getProject(c *gin.Context) {
	projectID := c.Param("id")
	project, err := h.studio.Project(projectID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	scenes, err := h.studio.Scenes(projectID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	queue, err := h.studio.QueueState(projectID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, projectSnapshot{Project: project, Scenes: scenes, Queue: queue})
}

func (h *HTTPHandler) updateInputs(c *gin.Context) {
	var req updateInputsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	err := h.studio.UpdateInputs(c.Param("id"), req.Lyrics, req.SceneCount, model.AspectRatio(req.AspectRatio), req.SelectedStyles)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) deleteProject(c *gin.Context) {
	if err := h.studio.DeleteProject(c.Param("id")); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) splitScenes(c *gin.Context) {
	scenes, err := h.studio.SplitScenes(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, scenes)
}

func (h *HTTPHandler) listScenes(c *gin.Context) {
	scenes, err := h.studio.Scenes(c.Param("id"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, scenes)
}

func (h *HTTPHandler) patchScene(c *gin.Context) {
	var req patchSceneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	scene, err := h.studio.PatchScene(c.Param("id"), c.Param("sceneId"), store.ScenePatch{
		Lyrics:       req.Lyrics,
		Description:  req.Description,
		Setting:      req.Setting,
		CharacterIDs: req.CharacterIDs,
	})
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, scene)
}

func (h *HTTPHandler) retryShot(c *gin.Context) {
	var req retryShotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	shot, err := h.studio.RetryShot(c.Request.Context(), c.Param("id"), c.Param("sceneId"), req.ShotType)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, shot)
}

func (h *HTTPHandler) shotImage(c *gin.Context) {
	shotIndex, err := strconv.Atoi(c.Param("shotIndex"))
	if err != nil {
		h.badRequest(c, fmt.Errorf("invalid shot index: %w", err))
		return
	}
	shot, err := h.studio.ShotImage(c.Param("id"), c.Param("sceneId"), shotIndex)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Data(http.StatusOK, shot.MimeType, shot.Image)
}

// readUpload читает файл из multipart-формы с ограничением по размеру.
func (h *HTTPHandler) readUpload(file *multipart.FileHeader) (string, []byte, error) {
	if file.Size > h.maxUpload {
		return "", nil, fmt.Errorf("file exceeds %d bytes", h.maxUpload)
	}
	src, err := file.Open()
	if err != nil {
		return "", nil, err
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.maxUpload+1))
	if err != nil {
		return "", nil, err
	}
	if int64(len(data)) > h.maxUpload {
		return "", nil, fmt.Errorf("file exceeds %d bytes", h.maxUpload)
	}

	mimeType := file.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/png"
	}
	return mimeType, data, nil
}

func (h *HTTPHandler) uploadCharacter(c *gin.Context) {
	name := c.PostForm("name")
	if name == "" {
		h.badRequest(c, errors.New("name is required"))
		return
	}
	file, err := c.FormFile("image")
	if err != nil {
		h.badRequest(c, err)
		return
	}
	mimeType, data, err := h.readUpload(file)
	if err != nil {
		h.badRequest(c, err)
		return
	}
	character, err := h.studio.AddCharacter(c.Param("id"), name, mimeType, data)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, character)
}

func (h *HTTPHandler) generateCharacter(c *gin.Context) {
	var req generateCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	character, err := h.studio.GenerateCharacter(c.Request.Context(), c.Param("id"), req.Name, req.Description)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, character)
}

func (h *HTTPHandler) renameCharacter(c *gin.Context) {
	var req renameCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.studio.RenameCharacter(c.Param("id"), c.Param("characterId"), req.Name); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) removeCharacter(c *gin.Context) {
	if err := h.studio.RemoveCharacter(c.Param("id"), c.Param("characterId")); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) characterImage(c *gin.Context) {
	character, err := h.studio.Character(c.Param("id"), c.Param("characterId"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if len(character.Image) == 0 {
		h.handleServiceError(c, service.ErrShotNotReady)
		return
	}
	c.Data(http.StatusOK, character.MimeType, character.Image)
}

func (h *HTTPHandler) uploadStyle(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		h.badRequest(c, err)
		return
	}
	mimeType, data, err := h.readUpload(file)
	if err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.studio.SetStyleReference(c.Param("id"), file.Filename, mimeType, data); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) analyzeStyle(c *gin.Context) {
	text, err := h.studio.AnalyzeStyle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analyzedStyle": text})
}

func (h *HTTPHandler) clearStyle(c *gin.Context) {
	if err := h.studio.ClearStyleReference(c.Param("id")); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) queueState(c *gin.Context) {
	state, err := h.studio.QueueState(c.Param("id"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *HTTPHandler) enqueueScene(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.studio.EnqueueScene(c.Param("id"), req.SceneID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *HTTPHandler) clearQueue(c *gin.Context) {
	if err := h.studio.ClearQueue(c.Param("id")); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) reorderScenes(c *gin.Context) {
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.studio.ReorderScenes(c.Param("id"), req.DraggedID, req.TargetID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) resumeQueue(c *gin.Context) {
	if err := h.studio.Resume(c.Param("id")); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) exportZip(c *gin.Context) {
	projectID := c.Param("id")
	if _, err := h.studio.Project(projectID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="storyboard_%s.zip"`, projectID))
	if err := h.studio.ExportZip(projectID, c.Writer); err != nil {
		// Заголовки уже ушли, остается только оборвать соединение.
		h.logger.Error("zip export failed mid-stream", zap.String("project_id", projectID), zap.Error(err))
		c.Abort()
	}
}

func (h *HTTPHandler) startVideoExport(c *gin.Context) {
	taskID, err := h.studio.StartVideoExport(c.Param("id"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exportTaskResponse{TaskID: taskID.String()})
}

func (h *HTTPHandler) exportTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("taskId"))
	if err != nil {
		h.badRequest(c, fmt.Errorf("invalid task id: %w", err))
		return
	}
	task, err := h.studio.ExportTask(taskID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *HTTPHandler) downloadExport(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("taskId"))
	if err != nil {
		h.badRequest(c, fmt.Errorf("invalid task id: %w", err))
		return
	}
	task, err := h.studio.ExportTask(taskID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if task.Status != export.TaskStatusCompleted || task.ResultPath == "" {
		c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{Error: "export is not finished"})
		return
	}
	if _, err := os.Stat(task.ResultPath); err != nil {
		h.handleServiceError(c, export.ErrTaskNotFound)
		return
	}
	c.FileAttachment(task.ResultPath, filepath.Base(task.ResultPath))
}
