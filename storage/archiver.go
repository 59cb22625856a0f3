package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tournabot/engine/services"
)

// bracketArchiver выгружает JSON-снимок завершённого турнира в объектное
// хранилище. Реализует services.BracketArchiver.
type bracketArchiver struct {
	uploader FileUploader
	logger   *slog.Logger
}

func NewBracketArchiver(uploader FileUploader, logger *slog.Logger) services.BracketArchiver {
	return &bracketArchiver{uploader: uploader, logger: logger}
}

// logArchiver — запасной вариант без настроенного хранилища.
type logArchiver struct {
	logger *slog.Logger
}

func NewLogArchiver(logger *slog.Logger) services.BracketArchiver {
	return &logArchiver{logger: logger}
}

func (a *logArchiver) ArchiveBracket(ctx context.Context, snapshot services.BracketSnapshot) (string, error) {
	a.logger.Info("bracket archive skipped: object storage not configured",
		slog.Int("tournament_id", snapshot.Tournament.ID))
	return "", nil
}

func (a *bracketArchiver) ArchiveBracket(ctx context.Context, snapshot services.BracketSnapshot) (string, error) {
	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bracket snapshot: %w", err)
	}

	key := fmt.Sprintf("brackets/%s/tournament-%d-%s.json",
		snapshot.Tournament.GuildID,
		snapshot.Tournament.ID,
		time.Now().UTC().Format("20060102T150405Z"))

	result, err := a.uploader.Upload(ctx, key, "application/json", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("upload bracket snapshot: %w", err)
	}

	a.logger.Info("bracket snapshot uploaded",
		slog.Int("tournament_id", snapshot.Tournament.ID),
		slog.String("key", result.Key))
	return result.Location, nil
}
