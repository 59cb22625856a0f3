package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tournabot/engine/models"
	"github.com/tournabot/engine/services"
)

// Message — конверт, уходящий подписчикам комнаты.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	Room    string      `json:"room,omitempty"`
}

// Hub раздаёт события жизненного цикла по комнатам. Комнаты двух видов:
// guild:<id> для всего скоупа и thread:<ref> для треда одного матча.
// Реализует services.Notifier.
type Hub struct {
	logger *slog.Logger

	Register   chan *Client
	Unregister chan *Client

	mu    sync.RWMutex
	rooms map[string]map[*Client]bool
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		rooms:      make(map[string]map[*Client]bool),
	}
}

// GuildRoom и ThreadRoom — имена комнат для подписки клиентов.
func GuildRoom(guildID string) string   { return "guild:" + guildID }
func ThreadRoom(threadRef string) string { return "thread:" + threadRef }

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			if _, ok := h.rooms[client.room]; !ok {
				h.rooms[client.room] = make(map[*Client]bool)
			}
			h.rooms[client.room][client] = true
			h.logger.Debug("ws client joined",
				slog.String("room", client.room),
				slog.Int("clients", len(h.rooms[client.room])))
			h.mu.Unlock()

		case client := <-h.Unregister:
			h.mu.Lock()
			h.dropClientLocked(client)
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for room := range h.rooms {
				h.closeRoomLocked(room)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) dropClientLocked(client *Client) {
	clients, ok := h.rooms[client.room]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	client.closeSend()
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.rooms, client.room)
	}
}

func (h *Hub) closeRoomLocked(room string) {
	for client := range h.rooms[room] {
		client.closeSend()
	}
	delete(h.rooms, room)
}

func (h *Hub) broadcast(room string, msg Message) error {
	msg.Room = room
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[room] {
		client.enqueue(raw)
	}
	return nil
}

// PostTournamentUpdate рассылает снимок турнира всем подписчикам guild.
func (h *Hub) PostTournamentUpdate(ctx context.Context, guildID string, update services.TournamentUpdate) error {
	return h.broadcast(GuildRoom(guildID), Message{Type: update.Event, Payload: update})
}

// CreateMatchThread выделяет ссылку треда; комната появится с первым
// подписчиком. Анонс уходит в комнату guild, чтобы клиенты узнали ref.
func (h *Hub) CreateMatchThread(ctx context.Context, guildID string, match *models.Match) (string, error) {
	ref := "match-" + uuid.NewString()
	err := h.broadcast(GuildRoom(guildID), Message{
		Type: "thread_created",
		Payload: map[string]interface{}{
			"thread_ref": ref,
			"match":      match,
		},
	})
	return ref, err
}

func (h *Hub) PostMatchUpdate(ctx context.Context, threadRef string, update services.MatchUpdate) error {
	return h.broadcast(ThreadRoom(threadRef), Message{Type: update.Event, Payload: update})
}

// ArchiveThread уведомляет тред о закрытии и распускает его комнату.
func (h *Hub) ArchiveThread(ctx context.Context, threadRef string) error {
	room := ThreadRoom(threadRef)
	if err := h.broadcast(room, Message{Type: "thread_archived"}); err != nil {
		return err
	}
	h.mu.Lock()
	h.closeRoomLocked(room)
	h.mu.Unlock()
	return nil
}
