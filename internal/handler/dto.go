package handler

import (
	"github.com/dulorai/tmdh-studio/internal/model"
	"github.com/dulorai/tmdh-studio/internal/orchestrator"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error string `json:"error"`
}

type inviteRequest struct {
	Code string `json:"code" binding:"required"`
}

type inviteResponse struct {
	Token string `json:"token"`
}

type createProjectRequest struct {
	Lyrics         string   `json:"lyrics"`
	SceneCount     int      `json:"sceneCount" binding:"required"`
	AspectRatio    string   `json:"aspectRatio"`
	SelectedStyles []string `json:"selectedStyles"`
}

type updateInputsRequest struct {
	Lyrics         string   `json:"lyrics"`
	SceneCount     int      `json:"sceneCount" binding:"required"`
	AspectRatio    string   `json:"aspectRatio" binding:"required"`
	SelectedStyles []string `json:"selectedStyles"`
}

// patchSceneRequest — частичное обновление сцены: nil-поля не трогаются.
type patchSceneRequest struct {
	Lyrics       *string   `json:"lyrics"`
	Description  *string   `json:"description"`
	Setting      *string   `json:"setting"`
	CharacterIDs *[]string `json:"characterIds"`
}

type generateCharacterRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description" binding:"required"`
}

type renameCharacterRequest struct {
	Name string `json:"name" binding:"required"`
}

type enqueueRequest struct {
	SceneID string `json:"sceneId" binding:"required"`
}

type reorderRequest struct {
	DraggedID string `json:"draggedId" binding:"required"`
	TargetID  string `json:"targetId" binding:"required"`
}

type retryShotRequest struct {
	ShotType string `json:"shotType" binding:"required"`
}

type exportTaskResponse struct {
	TaskID string `json:"taskId"`
}

// projectSnapshot — полное состояние проекта для REST-выдачи; тот же состав
// полей уходит и по WebSocket.
type projectSnapshot struct {
	Project *model.Project     `json:"project"`
	Scenes  []*model.Scene     `json:"scenes"`
	Queue   orchestrator.State `json:"queue"`
}

type stylesResponse struct {
	PresetStyles []string `json:"presetStyles"`
	ShotTypes    []string `json:"shotTypes"`
}
