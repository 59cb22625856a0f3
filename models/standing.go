package models

// Standing — строка турнирной таблицы round robin. Не хранится в БД,
// вычисляется по завершённым матчам.
type Standing struct {
	ParticipantID int    `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	Wins          int    `json:"wins"`
	Losses        int    `json:"losses"`
	Points        int    `json:"points"`
	Rank          int    `json:"rank"`
}
