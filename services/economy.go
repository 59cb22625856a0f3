package services

import (
	"context"
	"log/slog"
)

// EconomyGateway возвращает взносы участников при отмене турнира.
// Движок не хранит балансы сам — интеграция с внешней экономикой.
type EconomyGateway interface {
	RefundEntryFees(ctx context.Context, guildID string, tournamentID int) error
}

// logEconomy — реализация по умолчанию: только пишет в лог.
type logEconomy struct {
	logger *slog.Logger
}

func NewLogEconomy(logger *slog.Logger) EconomyGateway {
	return &logEconomy{logger: logger}
}

func (e *logEconomy) RefundEntryFees(ctx context.Context, guildID string, tournamentID int) error {
	e.logger.Info("refunding entry fees", slog.String("guild_id", guildID), slog.Int("tournament_id", tournamentID))
	return nil
}
