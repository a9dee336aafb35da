package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config содержит конфигурацию сервиса раскадровок.
type Config struct {
	// HTTP-сервер
	HTTPPort           string   `envconfig:"HTTP_PORT" default:"8080"`
	LogLevel           string   `envconfig:"LOG_LEVEL" default:"info"`
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// Инвайт-гейт и токены доступа
	InviteCodes []string      `envconfig:"INVITE_CODES"`
	TokenTTL    time.Duration `envconfig:"TOKEN_TTL" default:"720h"`
	// Секретное поле БЕЗ envconfig тега
	TokenSecret string

	// Redis для хранения выданных токенов
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPassword string

	// Настройки AI (OpenAI-совместимый шлюз)
	AIBaseURL        string        `envconfig:"AI_BASE_URL" default:"https://generativelanguage.googleapis.com/v1beta/openai"`
	AITextModel      string        `envconfig:"AI_TEXT_MODEL" default:"gemini-2.5-flash"`
	AIImageModel     string        `envconfig:"AI_IMAGE_MODEL" default:"gemini-2.5-flash-image"`
	AITimeout        time.Duration `envconfig:"AI_TIMEOUT" default:"120s"`
	AIMaxAttempts    int           `envconfig:"AI_MAX_ATTEMPTS" default:"2"`
	AIBaseRetryDelay time.Duration `envconfig:"AI_BASE_RETRY_DELAY" default:"1s"`
	// Секретное поле БЕЗ envconfig тега
	AIAPIKey string

	// Оркестратор генерации
	ShotDelay      time.Duration `envconfig:"SHOT_GENERATION_DELAY" default:"5s"`
	QuotaPause     time.Duration `envconfig:"QUOTA_PAUSE_DURATION" default:"60s"`
	MaxSceneCount  int           `envconfig:"MAX_SCENE_COUNT" default:"20"`
	MaxUploadBytes int64         `envconfig:"MAX_UPLOAD_BYTES" default:"10485760"`

	// Экспорт
	FFmpegPath      string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	ExportDir       string        `envconfig:"EXPORT_DIR" default:"/tmp/tmdh-exports"`
	ShotDuration    time.Duration `envconfig:"VIDEO_SHOT_DURATION" default:"3s"`
	ExportTaskLimit int           `envconfig:"EXPORT_TASK_LIMIT" default:"4"`
}

// readSecret читает секрет из Docker Secrets, с fallback на переменную окружения.
// Fallback нужен для локального запуска без docker compose.
func readSecret(secretName, envName string) (string, error) {
	filePath := fmt.Sprintf("/run/secrets/%s", secretName)
	secretBytes, err := os.ReadFile(filePath)
	if err == nil {
		secret := strings.TrimSpace(string(secretBytes))
		if secret == "" {
			return "", fmt.Errorf("secret file %s is empty", filePath)
		}
		return secret, nil
	}
	if v := strings.TrimSpace(os.Getenv(envName)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %s not found (file %s or env %s)", secretName, filePath, envName)
}

// LoadConfig загружает конфигурацию из переменных окружения и секретов.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}

	var loadErr error
	cfg.AIAPIKey, loadErr = readSecret("ai_api_key", "AI_API_KEY")
	if loadErr != nil {
		return nil, loadErr
	}

	cfg.TokenSecret, loadErr = readSecret("token_secret", "TOKEN_SECRET")
	if loadErr != nil {
		return nil, loadErr
	}

	// Пароль Redis необязателен
	cfg.RedisPassword, _ = readSecret("redis_password", "REDIS_PASSWORD")

	if len(cfg.InviteCodes) == 0 {
		return nil, fmt.Errorf("INVITE_CODES не задан: сервис недоступен без инвайт-кодов")
	}

	return &cfg, nil
}
