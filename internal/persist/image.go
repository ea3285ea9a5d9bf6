package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/orisa/server/internal/config"
	"github.com/orisa/server/internal/world"
	"go.uber.org/zap"
)

// ErrNoImage reports that no save image exists at the primary location.
// Callers use it to distinguish "bootstrap empty" from a corrupt image.
var ErrNoImage = errors.New("no save image")

// Store reads and writes the durable save image. Writes follow a crash-safe
// discipline: encode to a temporary file, rotate the previous image to the
// backup path, then atomically rename the temporary file into place. Any
// failure before the final rename leaves the previous image untouched.
type Store struct {
	imagePath  string
	backupPath string
	tempPath   string
	log        *zap.Logger
}

func NewStore(cfg config.PersistConfig, log *zap.Logger) *Store {
	return &Store{
		imagePath:  cfg.ImagePath,
		backupPath: cfg.BackupPath,
		tempPath:   cfg.TempPath,
		log:        log,
	}
}

// Load reads and parses the primary save image. A missing file is reported
// as ErrNoImage; a present-but-unparsable file is a distinct parse error so
// callers can decide whether falling back to an empty world is acceptable.
func (s *Store) Load() (*world.SaveImage, error) {
	data, err := os.ReadFile(s.imagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoImage
		}
		return nil, fmt.Errorf("read save image %s: %w", s.imagePath, err)
	}

	var img world.SaveImage
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("parse save image %s: %w", s.imagePath, err)
	}
	return &img, nil
}

// Write persists the image. The encoding is pretty-printed JSON, stable
// enough for manual inspection and recovery.
func (s *Store) Write(img *world.SaveImage) error {
	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("encode save image: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(s.tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp image %s: %w", s.tempPath, err)
	}

	// Rotate the current image to the backup slot. First save of a fresh
	// world has nothing to rotate.
	if _, err := os.Stat(s.imagePath); err == nil {
		if err := copyFile(s.imagePath, s.backupPath); err != nil {
			return fmt.Errorf("rotate backup: %w", err)
		}
	}

	if err := os.Rename(s.tempPath, s.imagePath); err != nil {
		return fmt.Errorf("install save image: %w", err)
	}

	s.log.Info("save image written",
		zap.String("path", s.imagePath), zap.Int("bytes", len(data)))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
