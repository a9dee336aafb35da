package export

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"

	"github.com/dulorai/tmdh-studio/internal/model"
)

// extByMIME сопоставляет MIME-тип изображения с расширением файла в архиве.
var extByMIME = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/webp": "webp",
}

func imageExt(mimeType string) string {
	if ext, ok := extByMIME[mimeType]; ok {
		return ext
	}
	return "png"
}

// sanitizeName убирает из имени кадра символы, недопустимые в путях архива.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "-")
	return strings.ReplaceAll(name, " ", "_")
}

// WriteZip записывает все успешно сгенерированные кадры проекта в ZIP-архив.
// Структура архива: Scene_<N>/Shot_<тип>.<ext>, нумерация сцен с единицы.
// Сцены без единого готового кадра в архив не попадают.
func WriteZip(w io.Writer, scenes []*model.Scene) error {
	zw := zip.NewWriter(w)

	for i, scene := range scenes {
		dir := fmt.Sprintf("Scene_%d", i+1)
		for _, shot := range scene.Shots {
			if shot == nil || shot.Failed() || len(shot.Image) == 0 {
				continue
			}
			name := fmt.Sprintf("%s/Shot_%s.%s", dir, sanitizeName(shot.ShotType), imageExt(shot.MimeType))
			f, err := zw.Create(name)
			if err != nil {
				return fmt.Errorf("create zip entry %s: %w", name, err)
			}
			if _, err := f.Write(shot.Image); err != nil {
				return fmt.Errorf("write zip entry %s: %w", name, err)
			}
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	return nil
}
