package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dulorai/tmdh-studio/internal/model"
	"github.com/dulorai/tmdh-studio/internal/orchestrator"
	"github.com/dulorai/tmdh-studio/internal/service"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время, разрешенное для чтения следующего pong сообщения от клиента.
	pongWait = 60 * time.Second
	// Отправлять пинги клиенту с этим периодом. Должно быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Максимальный размер сообщения, разрешенный от клиента.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Доступ уже ограничен инвайт-токеном, поэтому origin не проверяем.
		return true
	},
}

// stateMessage — полный снимок проекта, уходящий клиенту при каждом
// изменении состояния.
type stateMessage struct {
	Type    string       `json:"type"`
	Payload statePayload `json:"payload"`
}

type statePayload struct {
	Project *model.Project     `json:"project"`
	Scenes  []*model.Scene     `json:"scenes"`
	Queue   orchestrator.State `json:"queue"`
}

// WSHandler обслуживает WebSocket-подписки на состояние проекта.
type WSHandler struct {
	studio *service.Studio
	logger *zap.Logger
}

// NewWSHandler создает обработчик WebSocket.
func NewWSHandler(studio *service.Studio, logger *zap.Logger) *WSHandler {
	return &WSHandler{studio: studio, logger: logger.With(zap.String("component", "ws"))}
}

// Serve устанавливает WebSocket-соединение на проект. Клиент сразу получает
// полный снимок, дальше снимки приходят после каждого изменения состояния.
// Подписка на store строго неблокирующая: сигнал изменения складывается в
// dirty-канал емкостью один, а снимок собирает отдельная горутина.
func (h *WSHandler) Serve(c *gin.Context) {
	projectID := c.Param("id")
	if _, err := h.studio.Project(projectID); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	logger := h.logger.With(zap.String("project_id", projectID))
	logger.Info("websocket connection established")

	dirty := make(chan struct{}, 1)
	markDirty := func() {
		select {
		case dirty <- struct{}{}:
		default:
		}
	}

	unsubscribe, err := h.studio.Subscribe(projectID, markDirty)
	if err != nil {
		_ = conn.Close()
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 16),
		done: make(chan struct{}),
	}

	// Начальный снимок.
	markDirty()

	go client.writePump(logger)
	go h.snapshotPump(projectID, client, dirty, logger)
	go client.readPump(unsubscribe, logger)
}

// snapshotPump собирает снимок проекта после каждого dirty-сигнала и
// передает его клиенту. Если клиент не успевает читать, очередной снимок
// пропускается: следующий сигнал все равно принесет актуальное состояние.
func (h *WSHandler) snapshotPump(projectID string, client *wsClient, dirty <-chan struct{}, logger *zap.Logger) {
	for {
		select {
		case <-client.done:
			return
		case <-dirty:
		}

		project, err := h.studio.Project(projectID)
		if err != nil {
			logger.Info("project gone, closing snapshot pump")
			return
		}
		scenes, _ := h.studio.Scenes(projectID)
		queue, _ := h.studio.QueueState(projectID)

		data, err := json.Marshal(stateMessage{
			Type:    "project.state",
			Payload: statePayload{Project: project, Scenes: scenes, Queue: queue},
		})
		if err != nil {
			logger.Error("failed to marshal state message", zap.Error(err))
			continue
		}

		select {
		case client.send <- data:
		case <-client.done:
			return
		default:
			logger.Debug("client is slow, snapshot dropped")
		}
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// writePump откачивает сообщения из канала send в соединение и шлет пинги.
func (c *wsClient) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Info("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump читает соединение до закрытия. Входящие сообщения от клиента
// не ожидаются и игнорируются.
func (c *wsClient) readPump(unsubscribe func(), logger *zap.Logger) {
	defer func() {
		unsubscribe()
		close(c.done)
		_ = c.conn.Close()
		logger.Info("websocket connection closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}
