package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"realtime_chat/internal/bus"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/repository"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

// Connection - живое клиентское соединение. Эфемерно: не переживает рестарт
// процесса, вся долговечность - в хранилище.
type Connection struct {
	ID     uuid.UUID
	UserID uuid.UUID

	// rooms защищен мьютексом реестра
	rooms map[uuid.UUID]struct{}

	mu     sync.Mutex
	send   chan domain.Event
	closed bool
}

// Events - исходящий поток соединения; закрывается при Disconnect
func (c *Connection) Events() <-chan domain.Event {
	return c.send
}

// Push кладет событие в буфер соединения, вытесняя самое старое при
// переполнении. После закрытия - no-op.
func (c *Connection) Push(event domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.send <- event:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type topicSub struct {
	cancel context.CancelFunc
	refs   int
}

// Registry - реестр сессий процесса: соединение -> пользователь -> комнаты.
// Владеет производным presence-состоянием и локальной раздачей событий шины.
// Подписка процесса на топик комнаты живет, пока комнатой интересуется хотя
// бы одно локальное соединение.
type Registry struct {
	mu        sync.Mutex
	conns     map[uuid.UUID]*Connection
	users     map[uuid.UUID]map[uuid.UUID]*Connection
	roomConns map[uuid.UUID]map[uuid.UUID]*Connection
	roomSubs  map[uuid.UUID]*topicSub
	userSubs  map[uuid.UUID]*topicSub
	offline   map[uuid.UUID]*time.Timer

	// userRooms считает входы соединений пользователя в комнату: online в
	// комнату уходит на ребре 0->1. Анонс переживает само соединение -
	// снимается явным leave или глобальным offline, поэтому offline видят
	// все комнаты, где пользователь был анонсирован, а не только комнаты
	// последнего соединения
	userRooms map[uuid.UUID]map[uuid.UUID]int

	eventBus   bus.Bus
	roomRepo   repository.RoomRepository
	grace      time.Duration
	sendBuffer int
	log        logger.Logger
}

func NewRegistry(eventBus bus.Bus, roomRepo repository.RoomRepository, grace time.Duration, sendBuffer int, log logger.Logger) *Registry {
	return &Registry{
		conns:      make(map[uuid.UUID]*Connection),
		users:      make(map[uuid.UUID]map[uuid.UUID]*Connection),
		roomConns:  make(map[uuid.UUID]map[uuid.UUID]*Connection),
		roomSubs:   make(map[uuid.UUID]*topicSub),
		userSubs:   make(map[uuid.UUID]*topicSub),
		offline:    make(map[uuid.UUID]*time.Timer),
		userRooms:  make(map[uuid.UUID]map[uuid.UUID]int),
		eventBus:   eventBus,
		roomRepo:   roomRepo,
		grace:      grace,
		sendBuffer: sendBuffer,
		log:        log,
	}
}

// Connect регистрирует аутентифицированное соединение. Переход presence
// online публикуется только на ребре "0 живых соединений -> 1"; reconnect
// внутри grace-окна поглощается без событий.
func (r *Registry) Connect(ctx context.Context, userID uuid.UUID) *Connection {
	conn := &Connection{
		ID:     uuid.New(),
		UserID: userID,
		rooms:  make(map[uuid.UUID]struct{}),
		send:   make(chan domain.Event, r.sendBuffer),
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	if r.users[userID] == nil {
		r.users[userID] = make(map[uuid.UUID]*Connection)
	}
	r.users[userID][conn.ID] = conn

	wentOnline := len(r.users[userID]) == 1
	if timer, ok := r.offline[userID]; ok {
		// Поглощенный reconnect: offline так и не случился
		timer.Stop()
		delete(r.offline, userID)
		wentOnline = false
	}

	if err := r.subscribeUserLocked(userID); err != nil {
		r.log.Error("Failed to subscribe to user topic", "user_id", userID, "error", err)
	}
	r.mu.Unlock()

	if wentOnline {
		r.publishPresence(ctx, bus.UserTopic(userID), uuid.Nil, userID, domain.PresenceOnline)
	}

	r.log.Debug("Connection registered", "conn_id", conn.ID, "user_id", userID)
	return conn
}

// Disconnect снимает соединение: комнаты отписываются сразу, события к этому
// соединению больше не идут. Переход offline откладывается на grace-окно.
func (r *Registry) Disconnect(connID uuid.UUID) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}

	delete(r.conns, connID)

	userID := conn.UserID
	delete(r.users[userID], connID)
	r.unsubscribeUserLocked(userID)

	// Объединение анонсов по всем соединениям пользователя: offline обязаны
	// увидеть и комнаты, куда входили ранее закрытые соединения
	var joinedRooms []uuid.UUID
	lastGone := len(r.users[userID]) == 0
	if lastGone {
		delete(r.users, userID)
		joinedRooms = lo.Keys(r.userRooms[userID])
	}

	for roomID := range conn.rooms {
		r.detachRoomLocked(conn, roomID)
	}

	if lastGone {
		r.offline[userID] = time.AfterFunc(r.grace, func() {
			r.fireOffline(userID, joinedRooms)
		})
	}
	r.mu.Unlock()

	conn.close()
	r.log.Debug("Connection removed", "conn_id", connID, "user_id", userID)
}

// JoinRoom проверяет членство в Room Membership Store и подключает
// соединение к топику комнаты
func (r *Registry) JoinRoom(ctx context.Context, connID, roomID uuid.UUID) error {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return apperrors.ErrNotFound
	}
	if _, joined := conn.rooms[roomID]; joined {
		r.mu.Unlock()
		return apperrors.ErrConflict
	}
	userID := conn.UserID
	r.mu.Unlock()

	if _, err := r.roomRepo.GetMember(ctx, roomID, userID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.ErrUnauthorized
		}
		return err
	}

	r.mu.Lock()
	conn, ok = r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return apperrors.ErrNotFound
	}
	if _, joined := conn.rooms[roomID]; joined {
		r.mu.Unlock()
		return apperrors.ErrConflict
	}

	if err := r.subscribeRoomLocked(roomID); err != nil {
		r.mu.Unlock()
		return err
	}
	conn.rooms[roomID] = struct{}{}
	if r.roomConns[roomID] == nil {
		r.roomConns[roomID] = make(map[uuid.UUID]*Connection)
	}
	r.roomConns[roomID][connID] = conn

	if r.userRooms[userID] == nil {
		r.userRooms[userID] = make(map[uuid.UUID]int)
	}
	r.userRooms[userID][roomID]++
	announce := r.userRooms[userID][roomID] == 1
	r.mu.Unlock()

	// Комната узнает о присутствии на ребре "первое соединение пользователя
	// вошло"; повторные соединения того же пользователя молчат
	if announce {
		r.publishPresence(ctx, bus.RoomTopic(roomID), roomID, userID, domain.PresenceOnline)
	}
	return nil
}

func (r *Registry) LeaveRoom(connID, roomID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if _, joined := conn.rooms[roomID]; !joined {
		return apperrors.ErrNotFound
	}

	delete(conn.rooms, roomID)
	r.detachRoomLocked(conn, roomID)

	// Явный выход снимает анонс; обрыв соединения - нет, там анонс
	// держится до глобального offline
	if counts, ok := r.userRooms[conn.UserID]; ok {
		counts[roomID]--
		if counts[roomID] <= 0 {
			delete(counts, roomID)
		}
		if len(counts) == 0 {
			delete(r.userRooms, conn.UserID)
		}
	}
	return nil
}

func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID]) > 0
}

// InRoom сообщает, вошло ли соединение в комнату (для транзитных событий
// вроде typing, где поход в хранилище не нужен)
func (r *Registry) InRoom(connID, roomID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, joined := conn.rooms[roomID]
	return joined
}

func (r *Registry) subscribeRoomLocked(roomID uuid.UUID) error {
	if sub, ok := r.roomSubs[roomID]; ok {
		sub.refs++
		return nil
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := r.eventBus.Subscribe(subCtx, bus.RoomTopic(roomID))
	if err != nil {
		cancel()
		return err
	}

	r.roomSubs[roomID] = &topicSub{cancel: cancel, refs: 1}
	go func() {
		for event := range sub.Events() {
			r.dispatchRoom(roomID, event)
		}
	}()
	return nil
}

func (r *Registry) detachRoomLocked(conn *Connection, roomID uuid.UUID) {
	if set, ok := r.roomConns[roomID]; ok {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(r.roomConns, roomID)
		}
	}
	if sub, ok := r.roomSubs[roomID]; ok {
		sub.refs--
		if sub.refs == 0 {
			sub.cancel()
			delete(r.roomSubs, roomID)
		}
	}
}

func (r *Registry) subscribeUserLocked(userID uuid.UUID) error {
	if sub, ok := r.userSubs[userID]; ok {
		sub.refs++
		return nil
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := r.eventBus.Subscribe(subCtx, bus.UserTopic(userID))
	if err != nil {
		cancel()
		return err
	}

	r.userSubs[userID] = &topicSub{cancel: cancel, refs: 1}
	go func() {
		for event := range sub.Events() {
			r.dispatchUser(userID, event)
		}
	}()
	return nil
}

func (r *Registry) unsubscribeUserLocked(userID uuid.UUID) {
	sub, ok := r.userSubs[userID]
	if !ok {
		return
	}
	sub.refs--
	if sub.refs == 0 {
		sub.cancel()
		delete(r.userSubs, userID)
	}
}

func (r *Registry) dispatchRoom(roomID uuid.UUID, event domain.Event) {
	r.mu.Lock()
	conns := lo.Values(r.roomConns[roomID])
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Push(event)
	}
}

func (r *Registry) dispatchUser(userID uuid.UUID, event domain.Event) {
	r.mu.Lock()
	conns := lo.Values(r.users[userID])
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Push(event)
	}
}

func (r *Registry) fireOffline(userID uuid.UUID, joinedRooms []uuid.UUID) {
	r.mu.Lock()
	if _, ok := r.offline[userID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.offline, userID)
	if len(r.users[userID]) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.userRooms, userID)
	r.mu.Unlock()

	ctx := context.Background()
	r.publishPresence(ctx, bus.UserTopic(userID), uuid.Nil, userID, domain.PresenceOffline)
	for _, roomID := range joinedRooms {
		r.publishPresence(ctx, bus.RoomTopic(roomID), roomID, userID, domain.PresenceOffline)
	}
}

func (r *Registry) publishPresence(ctx context.Context, topic string, roomID, userID uuid.UUID, status string) {
	event := domain.NewPresenceEvent(roomID, userID, status)
	if err := r.eventBus.Publish(ctx, topic, event); err != nil {
		r.log.Error("Failed to publish presence", "user_id", userID, "status", status, "error", err)
	}
}
