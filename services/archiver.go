package services

import (
	"context"

	"github.com/tournabot/engine/models"
)

// BracketSnapshot — итоговое состояние турнира, выгружаемое в архив
// после завершения.
type BracketSnapshot struct {
	Tournament   *models.Tournament    `json:"tournament"`
	Participants []*models.Participant `json:"participants"`
	Matches      []*models.Match       `json:"matches"`
	Standings    []models.Standing     `json:"standings,omitempty"`
}

// BracketArchiver выгружает снимок завершённого турнира во внешнее
// хранилище и возвращает публичный URL.
type BracketArchiver interface {
	ArchiveBracket(ctx context.Context, snapshot BracketSnapshot) (string, error)
}
