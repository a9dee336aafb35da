package gen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/dulorai/tmdh-studio/internal/model"
)

var (
	aiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyboard_ai_requests_total",
			Help: "Total number of requests to the generative AI API.",
		},
		[]string{"op", "status"}, // status: "success", "error", "quota"
	)
	aiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyboard_ai_request_duration_seconds",
			Help:    "Histogram of generative AI request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// Config содержит конфигурацию клиента генеративного сервиса.
type Config struct {
	APIKey         string
	BaseURL        string
	TextModel      string
	ImageModel     string
	Timeout        time.Duration
	MaxAttempts    int
	BaseRetryDelay time.Duration
}

// Client реализует Generator поверх OpenAI-совместимого API.
type Client struct {
	client         *openai.Client
	logger         *zap.Logger
	textModel      string
	imageModel     string
	timeout        time.Duration
	maxAttempts    int
	baseRetryDelay time.Duration
}

var _ Generator = (*Client)(nil)
var _ DetailHook = (*Client)(nil)

// NewClient создает клиент генеративного сервиса.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("не указан API ключ генеративного сервиса")
	}
	if cfg.TextModel == "" {
		cfg.TextModel = "gemini-2.5-flash"
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = "gemini-2.5-flash-image"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Client{
		client:         openai.NewClientWithConfig(clientCfg),
		logger:         logger.Named("gen"),
		textModel:      cfg.TextModel,
		imageModel:     cfg.ImageModel,
		timeout:        cfg.Timeout,
		maxAttempts:    cfg.MaxAttempts,
		baseRetryDelay: cfg.BaseRetryDelay,
	}, nil
}

// dataURI кодирует изображение в data URI для передачи в мультимодальное сообщение.
func dataURI(mimeType string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

var dataURIRe = regexp.MustCompile(`data:(image/[a-zA-Z0-9.+-]+);base64,([A-Za-z0-9+/=]+)`)

// extractImage достает первое изображение (data URI) из текстового ответа модели.
func extractImage(content string) (*RenderedImage, bool) {
	m := dataURIRe.FindStringSubmatch(content)
	if m == nil {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return nil, false
	}
	return &RenderedImage{Data: raw, MimeType: m[1]}, true
}

// chat выполняет один chat-completion запрос с ретраями. Ошибки квоты
// не ретраятся: их должен увидеть вызывающий немедленно.
func (c *Client) chat(ctx context.Context, op, chatModel string, messages []openai.ChatCompletionMessage) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:    chatModel,
			Messages: messages,
		})
		cancel()
		aiRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

		if err != nil {
			lastErr = err
			if classifyKind(err) == KindQuota {
				aiRequestsTotal.WithLabelValues(op, "quota").Inc()
				c.logger.Warn("AI quota exhausted", zap.String("op", op), zap.Error(err))
				return "", wrapErr(op, err)
			}
			aiRequestsTotal.WithLabelValues(op, "error").Inc()
			c.logger.Warn("AI request failed",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			if attempt < c.maxAttempts {
				select {
				case <-time.After(time.Duration(attempt) * c.baseRetryDelay):
				case <-ctx.Done():
					return "", wrapErr(op, ctx.Err())
				}
			}
			continue
		}

		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			lastErr = errors.New("пустой ответ от API")
			aiRequestsTotal.WithLabelValues(op, "error").Inc()
			c.logger.Warn("AI returned empty response", zap.String("op", op), zap.Int("attempt", attempt))
			continue
		}

		aiRequestsTotal.WithLabelValues(op, "success").Inc()
		return resp.Choices[0].Message.Content, nil
	}
	return "", wrapErr(op, fmt.Errorf("после %d попыток: %w", c.maxAttempts, lastErr))
}

// SplitIntoScenes разбивает текст на сцены через текстовую модель.
func (c *Client) SplitIntoScenes(ctx context.Context, text string, sceneCount int) ([]model.SceneDescriptor, error) {
	const op = "split_scenes"
	content, err := c.chat(ctx, op, c.textModel, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: buildSplitPrompt(text, sceneCount)},
	})
	if err != nil {
		return nil, err
	}
	descriptors, err := parseSceneDescriptors(content)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Text split into scenes", zap.Int("requested", sceneCount), zap.Int("got", len(descriptors)))
	return descriptors, nil
}

// AnalyzeStyle описывает стиль референсного изображения.
func (c *Client) AnalyzeStyle(ctx context.Context, image ReferenceImage) (string, error) {
	const op = "analyze_style"
	content, err := c.chat(ctx, op, c.textModel, []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: styleAnalysisPrompt},
				{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: dataURI(image.MimeType, image.Data)},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	style := strings.TrimSpace(content)
	if style == "" {
		return "", badResponse(op, "пустое описание стиля")
	}
	return style, nil
}

// DetailDescription выполняет пре-пасс для детальных типов кадров.
// Ошибка пре-пасса не фатальна: возвращается исходное описание.
func (c *Client) DetailDescription(ctx context.Context, shotType, sceneDescription string) string {
	promptTmpl, ok := detailPrompts[shotType]
	if !ok {
		return sceneDescription
	}
	content, err := c.chat(ctx, "detail_prepass", c.textModel, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(promptTmpl, sceneDescription)},
	})
	if err != nil {
		c.logger.Warn("Detail pre-pass failed, using original description",
			zap.String("shot_type", shotType), zap.Error(err))
		return sceneDescription
	}
	detail := strings.TrimSpace(content)
	if detail == "" {
		return sceneDescription
	}
	return detail
}

// RenderShot генерирует один кадр. Референсы персонажей передаются
// мультимодальными частями перед основным промптом.
func (c *Client) RenderShot(ctx context.Context, req ShotRequest) (*RenderedImage, error) {
	const op = "render_shot"

	finalDescription := req.Description
	if req.DetailDescription != "" {
		finalDescription = req.DetailDescription
	}
	parts := make([]openai.ChatMessagePart, 0, len(req.Characters)*2+3)
	if len(req.Characters) > 0 {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: "REFERENCE MATERIAL (Use ONLY for character details, NOT for image aspect ratio):\n",
		})
		for _, ch := range req.Characters {
			parts = append(parts,
				openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: fmt.Sprintf("ID Reference for character named: %q", ch.Name),
				},
				openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: dataURI(ch.MimeType, ch.Image)},
				},
			)
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: "END OF REFERENCE MATERIAL.\n\n",
		})
	}
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: buildShotPrompt(req, finalDescription),
	})

	content, err := c.chat(ctx, op, c.imageModel, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, MultiContent: parts},
	})
	if err != nil {
		return nil, err
	}
	img, ok := extractImage(content)
	if !ok {
		return nil, badResponse(op, "в ответе нет изображения для кадра %q", req.ShotType)
	}
	return img, nil
}

// RenderCharacterPortrait генерирует референсный портрет персонажа.
func (c *Client) RenderCharacterPortrait(ctx context.Context, prompt string) (*RenderedImage, error) {
	const op = "render_character"
	content, err := c.chat(ctx, op, c.imageModel, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: buildCharacterPortraitPrompt(prompt)},
	})
	if err != nil {
		return nil, err
	}
	img, ok := extractImage(content)
	if !ok {
		return nil, badResponse(op, "в ответе нет изображения портрета")
	}
	return img, nil
}
