package services

import "sync"

// TournamentLocks сериализует операции изменения состояния по каждому
// турниру. Все сервисы, мутирующие один турнир, должны использовать
// общий экземпляр.
//
// Блокировка держится только на время read-modify-write; внешние вызовы
// (уведомления, создание тредов) выполняются после освобождения.
type TournamentLocks struct {
	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

func NewTournamentLocks() *TournamentLocks {
	return &TournamentLocks{locks: make(map[int]*sync.Mutex)}
}

// Lock захватывает мьютекс турнира и возвращает функцию освобождения.
// Записи в карте не удаляются: число турниров за время жизни процесса
// ограничено, а удаление потребовало бы подсчёта ссылок.
func (l *TournamentLocks) Lock(tournamentID int) func() {
	l.mu.Lock()
	m, ok := l.locks[tournamentID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tournamentID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
