package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dulorai/tmdh-studio/internal/model"
)

// ErrNoFrames возвращается, когда в проекте нет ни одного готового кадра.
var ErrNoFrames = errors.New("export: no completed shots to assemble")

// VideoConfig содержит параметры сборки слайдшоу.
type VideoConfig struct {
	// FFmpegPath путь к бинарю ffmpeg. Пустое значение означает "ffmpeg" из PATH.
	FFmpegPath string
	// OutputDir каталог для готовых роликов и временных файлов.
	OutputDir string
	// ShotDuration длительность показа одного кадра.
	ShotDuration time.Duration
}

// VideoAssembler собирает слайдшоу-ролик из кадров проекта через ffmpeg.
type VideoAssembler struct {
	cfg    VideoConfig
	logger *zap.Logger
}

// NewVideoAssembler создает сборщик видео.
func NewVideoAssembler(cfg VideoConfig, logger *zap.Logger) *VideoAssembler {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.ShotDuration <= 0 {
		cfg.ShotDuration = 3 * time.Second
	}
	return &VideoAssembler{cfg: cfg, logger: logger}
}

// scale-фильтр приводит кадры разных размеров к общей сетке: вписывает
// изображение в рамку и дополняет поля до четных размеров, иначе libvpx
// откажется кодировать поток.
func scaleFilter(aspect model.AspectRatio) string {
	w, h := 1920, 1080
	if aspect == model.AspectPortrait {
		w, h = 1080, 1920
	}
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black",
		w, h, w, h,
	)
}

// Assemble записывает готовые кадры во временный каталог, строит concat-список
// и вызывает ffmpeg. Возвращает путь к собранному WEBM-файлу.
func (a *VideoAssembler) Assemble(ctx context.Context, projectID string, aspect model.AspectRatio, scenes []*model.Scene) (string, error) {
	workDir, err := os.MkdirTemp(a.cfg.OutputDir, "assemble-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	listPath, frames, err := a.writeFrames(workDir, scenes)
	if err != nil {
		return "", err
	}
	if frames == 0 {
		return "", ErrNoFrames
	}

	outPath := filepath.Join(a.cfg.OutputDir, fmt.Sprintf("storyboard_%s_%d.webm", projectID, time.Now().Unix()))

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-vf", scaleFilter(aspect) + ",fps=30,format=yuv420p",
		"-c:v", "libvpx-vp9",
		"-b:v", "4M",
		outPath,
	}

	a.logger.Info("assembling slideshow",
		zap.String("project_id", projectID),
		zap.Int("frames", frames),
		zap.String("output", outPath))

	cmd := exec.CommandContext(ctx, a.cfg.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		a.logger.Error("ffmpeg failed",
			zap.Error(err),
			zap.String("stderr", tail(stderr.String(), 2000)))
		return "", fmt.Errorf("run ffmpeg: %w", err)
	}

	return outPath, nil
}

// writeFrames сохраняет кадры на диск и формирует файл списка для concat-демуксера.
// Каждому кадру назначается длительность ShotDuration; последний кадр
// дублируется без duration, как того требует формат concat.
func (a *VideoAssembler) writeFrames(workDir string, scenes []*model.Scene) (string, int, error) {
	var list bytes.Buffer
	frames := 0
	lastFrame := ""

	for si, scene := range scenes {
		for pi, shot := range scene.Shots {
			if shot == nil || shot.Failed() || len(shot.Image) == 0 {
				continue
			}
			framePath := filepath.Join(workDir, fmt.Sprintf("frame_%03d_%02d.%s", si, pi, imageExt(shot.MimeType)))
			if err := os.WriteFile(framePath, shot.Image, 0o644); err != nil {
				return "", 0, fmt.Errorf("write frame %s: %w", framePath, err)
			}
			fmt.Fprintf(&list, "file '%s'\n", framePath)
			fmt.Fprintf(&list, "duration %.3f\n", a.cfg.ShotDuration.Seconds())
			lastFrame = framePath
			frames++
		}
	}

	if frames > 0 {
		fmt.Fprintf(&list, "file '%s'\n", lastFrame)
	}

	listPath := filepath.Join(workDir, "frames.txt")
	if err := os.WriteFile(listPath, list.Bytes(), 0o644); err != nil {
		return "", 0, fmt.Errorf("write concat list: %w", err)
	}
	return listPath, frames, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
