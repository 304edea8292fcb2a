package internal

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// 系統設計問題：
//   如何在多連接併發下維護房間成員與在線集合的一致性，並即時扇出訊息？
//
// 核心挑戰：
//   1. 共享狀態：房間表與在線集合被每條連接的讀取 goroutine 同時訪問
//   2. 併發變更：兩條連接同時離開同一房間不能重複刪除或破壞成員集合
//   3. 扇出隔離：廣播 N 個成員是 N 次獨立送出，單點失敗不影響其他人
//   4. 清理一次：無論正常關閉、讀取錯誤還是回收觸發，拆除流程只跑一次
//
// 設計方案：
//   ✅ RWMutex - 變更（加入/離開/認證/拆除）寫鎖序列化，扇出枚舉讀鎖並發
//   ✅ 非阻塞 enqueue - 送出只是入隊，持鎖廣播不會被慢客戶端拖住
//   ✅ 隱式生命週期 - 房間隨首次加入創建，最後一名成員離開立即刪除
//   ✅ 連接表守門 - 以 clients 表的成員資格保證拆除恰好一次

// Hub 訊息中繼中心
//
// 獨佔擁有三份全局狀態：連接表、房間註冊表、在線集合。
// 所有變更都在 mu 的同步邊界內完成；Client.rooms 也由 mu 保護。
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client            // clientID -> Client
	rooms   map[string]map[string]*Client // roomName -> clientID -> Client
	online  map[int64]struct{}            // 在線 user_id 集合

	// 空閒回收（可選擴展，0 表示停用）
	idleTimeout time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewHub 創建中繼中心
//
// idleTimeout 大於 0 時啟動空閒連接回收循環；協議本身不要求超時，
// 預設傳 0 保持追蹤 last_activity 但不驅逐的行為。
func NewHub(logger *slog.Logger, idleTimeout time.Duration) *Hub {
	h := &Hub{
		logger:      logger,
		clients:     make(map[string]*Client),
		rooms:       make(map[string]map[string]*Client),
		online:      make(map[int64]struct{}),
		idleTimeout: idleTimeout,
		stopCh:      make(chan struct{}),
	}

	if idleTimeout > 0 {
		h.wg.Add(1)
		go h.reapLoop()
	}

	return h
}

// Register 登記一條新連接
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	h.logger.Info("客戶端連接",
		"client_id", c.ID,
		"remote_addr", c.RemoteAddr())
}

// HandleFrame 分派一行入站訊框
//
// 格式錯誤回覆 error 訊框但不斷線；只有傳輸層故障才會關閉連接。
func (h *Hub) HandleFrame(c *Client, line []byte) {
	c.Touch()

	frame, err := DecodeFrame(line)
	if err != nil {
		h.logger.Error("JSON 解析錯誤",
			"client_id", c.ID,
			"error", err)
		c.Send(TypeError, map[string]any{"message": "Invalid JSON format"})
		return
	}

	h.logger.Debug("收到訊框",
		"client_id", c.ID,
		"type", frame.Type)

	switch frame.Type {
	case TypeAuthenticate:
		h.handleAuthenticate(c, frame.Data)
	case TypeJoinRoom:
		h.handleJoinRoom(c, frame.Data)
	case TypeLeaveRoom:
		h.handleLeaveRoom(c, frame.Data)
	case TypeSendMessage:
		h.handleSendMessage(c, frame.Data)
	case TypeTyping:
		h.handleTyping(c, frame.Data, true)
	case TypeStopTyping:
		h.handleTyping(c, frame.Data, false)
	case TypeGetOnlineCount:
		h.handleGetOnlineCount(c)
	default:
		h.logger.Warn("未知訊息類型",
			"client_id", c.ID,
			"type", frame.Type)
	}
}

// handleAuthenticate 處理身份認證
//
// 身份由外部提供者簽發，這裡照單全收不做驗證。
// 重複認證直接覆蓋身份；舊 user_id 留在在線集合中，不做清理。
func (h *Hub) handleAuthenticate(c *Client, data json.RawMessage) {
	var p AuthPayload
	if len(data) > 0 {
		_ = json.Unmarshal(data, &p)
	}

	if p.UserID == 0 {
		c.Send(TypeAuthError, map[string]any{"message": "User ID required"})
		return
	}

	c.SetIdentity(p.UserID, p.Username)

	h.mu.Lock()
	h.online[p.UserID] = struct{}{}
	count := len(h.online)

	c.Send(TypeAuthSuccess, map[string]any{
		"user_id":  p.UserID,
		"username": p.Username,
		"message":  "Authentication successful",
	})

	h.broadcastAllLocked(TypeUserOnline, map[string]any{
		"user_id":      p.UserID,
		"username":     p.Username,
		"online_count": count,
	})
	h.mu.Unlock()

	h.logger.Info("用戶認證成功",
		"client_id", c.ID,
		"user_id", p.UserID,
		"username", p.Username)
}

// handleJoinRoom 處理加入房間
//
// 單房間策略：加入新房間前先離開當前所有房間。
func (h *Hub) handleJoinRoom(c *Client, data json.RawMessage) {
	if _, _, ok := c.Identity(); !ok {
		c.Send(TypeError, map[string]any{"message": "Authentication required"})
		return
	}

	var p RoomPayload
	if len(data) > 0 {
		_ = json.Unmarshal(data, &p)
	}
	if p.RoomName == "" {
		c.Send(TypeError, map[string]any{"message": "Room name required"})
		return
	}

	h.mu.Lock()
	for room := range c.rooms {
		h.leaveRoomLocked(c, room)
	}
	h.joinRoomLocked(c, p.RoomName)
	h.mu.Unlock()
}

// handleLeaveRoom 處理離開房間
//
// 未指定 room_name 時離開所有房間；不需要回覆調用方。
func (h *Hub) handleLeaveRoom(c *Client, data json.RawMessage) {
	var p RoomPayload
	if len(data) > 0 {
		_ = json.Unmarshal(data, &p)
	}

	h.mu.Lock()
	if p.RoomName != "" {
		h.leaveRoomLocked(c, p.RoomName)
	} else {
		for room := range c.rooms {
			h.leaveRoomLocked(c, room)
		}
	}
	h.mu.Unlock()
}

// handleSendMessage 處理房間訊息
//
// 中繼不保存訊息：唯一效果是向房間每個成員（含發送者）扇出 new_message。
func (h *Hub) handleSendMessage(c *Client, data json.RawMessage) {
	userID, username, ok := c.Identity()
	if !ok {
		c.Send(TypeError, map[string]any{"message": "Authentication required"})
		return
	}

	var p MessagePayload
	if len(data) > 0 {
		_ = json.Unmarshal(data, &p)
	}
	if p.RoomName == "" || p.Message == "" {
		c.Send(TypeError, map[string]any{"message": "Room name and message required"})
		return
	}

	h.mu.RLock()
	members, exists := h.rooms[p.RoomName]
	if !exists || members[c.ID] == nil {
		h.mu.RUnlock()
		c.Send(TypeError, map[string]any{"message": "Not in room"})
		return
	}

	h.broadcastRoomLocked(p.RoomName, TypeNewMessage, map[string]any{
		"room_name": p.RoomName,
		"user_id":   userID,
		"username":  username,
		"message":   p.Message,
		"timestamp": time.Now().Format(time.RFC3339),
	}, "")
	h.mu.RUnlock()
}

// handleTyping 處理輸入狀態提示
//
// 前置條件不滿足時靜默忽略；只廣播給房間內的其他成員。
func (h *Hub) handleTyping(c *Client, data json.RawMessage, isTyping bool) {
	userID, username, ok := c.Identity()
	if !ok {
		return
	}

	var p RoomPayload
	if len(data) > 0 {
		_ = json.Unmarshal(data, &p)
	}
	if p.RoomName == "" {
		return
	}

	frameType := TypeUserTyping
	if !isTyping {
		frameType = TypeUserStopTyping
	}

	h.mu.RLock()
	if members, exists := h.rooms[p.RoomName]; exists && members[c.ID] != nil {
		h.broadcastRoomLocked(p.RoomName, frameType, map[string]any{
			"room_name": p.RoomName,
			"user_id":   userID,
			"username":  username,
			"is_typing": isTyping,
		}, c.ID)
	}
	h.mu.RUnlock()
}

// handleGetOnlineCount 回覆在線人數（只發給調用方）
func (h *Hub) handleGetOnlineCount(c *Client) {
	h.mu.RLock()
	count := len(h.online)
	h.mu.RUnlock()

	c.Send(TypeOnlineCount, map[string]any{"count": count})
}

// joinRoomLocked 加入房間（需持有寫鎖）
//
// 房間隨首次加入隱式創建。
func (h *Hub) joinRoomLocked(c *Client, room string) {
	members, exists := h.rooms[room]
	if !exists {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[c.ID] = c
	c.rooms[room] = struct{}{}

	userID, username, _ := c.Identity()

	c.Send(TypeRoomJoined, map[string]any{
		"room_name": room,
		"message":   "Joined room " + room,
	})

	h.broadcastRoomLocked(room, TypeUserJoined, map[string]any{
		"room_name": room,
		"user_id":   userID,
		"username":  username,
		"message":   username + " joined the room",
	}, c.ID)

	h.logger.Info("用戶加入房間",
		"client_id", c.ID,
		"username", username,
		"room_name", room)
}

// leaveRoomLocked 離開房間（需持有寫鎖）
//
// 不變式：零成員的房間不保留——最後一名成員離開時立即刪除。
func (h *Hub) leaveRoomLocked(c *Client, room string) {
	members, exists := h.rooms[room]
	if !exists || members[c.ID] == nil {
		return
	}

	delete(members, c.ID)
	delete(c.rooms, room)
	if len(members) == 0 {
		delete(h.rooms, room)
	}

	userID, username, _ := c.Identity()

	h.broadcastRoomLocked(room, TypeUserLeft, map[string]any{
		"room_name": room,
		"user_id":   userID,
		"username":  username,
		"message":   username + " left the room",
	}, c.ID)

	h.logger.Info("用戶離開房間",
		"client_id", c.ID,
		"username", username,
		"room_name", room)
}

// broadcastRoomLocked 向房間成員扇出訊框（需持有鎖，讀寫皆可）
//
// exceptID 非空時排除該成員。訊框只編碼一次，逐成員非阻塞入隊。
func (h *Hub) broadcastRoomLocked(room, frameType string, data any, exceptID string) {
	b, err := EncodeFrame(frameType, data)
	if err != nil {
		h.logger.Error("序列化廣播訊框失敗", "type", frameType, "error", err)
		return
	}

	for id, member := range h.rooms[room] {
		if id != exceptID {
			member.enqueue(b)
		}
	}
}

// broadcastAllLocked 向所有連接扇出訊框（需持有鎖，讀寫皆可）
func (h *Hub) broadcastAllLocked(frameType string, data any) {
	b, err := EncodeFrame(frameType, data)
	if err != nil {
		h.logger.Error("序列化廣播訊框失敗", "type", frameType, "error", err)
		return
	}

	for _, c := range h.clients {
		c.enqueue(b)
	}
}

// RemoveClient 拆除一條連接
//
// 順序固定：(1) 離開所有房間並通知餘下成員 (2) 從在線集合移除並
// 廣播 user_offline (3) 釋放連接資源。以連接表的成員資格守門，
// 無論由正常關閉、讀取錯誤還是空閒回收觸發，流程恰好執行一次。
//
// 注意：同一 user_id 的多條連接中任何一條斷開都會把該 user_id
// 移出在線集合，不做引用計數。
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)

	for room := range c.rooms {
		h.leaveRoomLocked(c, room)
	}

	if userID, username, ok := c.Identity(); ok {
		delete(h.online, userID)
		h.broadcastAllLocked(TypeUserOffline, map[string]any{
			"user_id":      userID,
			"username":     username,
			"online_count": len(h.online),
		})
	}
	h.mu.Unlock()

	c.Close()

	h.logger.Info("客戶端斷開連接",
		"client_id", c.ID,
		"remote_addr", c.RemoteAddr())
}

// NotifyUser 向在線用戶的所有連接推送 new_notification
//
// CRUD 子系統（貼文/留言）唯一的集成點：目標用戶在線時送達並返回
// true，離線時不送任何東西返回 false（由調用方落庫、等用戶自行拉取）。
func (h *Hub) NotifyUser(userID int64, notification any) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.online[userID]; !ok {
		return false
	}

	b, err := EncodeFrame(TypeNewNotification, notification)
	if err != nil {
		h.logger.Error("序列化通知失敗", "user_id", userID, "error", err)
		return false
	}

	for _, c := range h.clients {
		if id, _, ok := c.Identity(); ok && id == userID {
			c.enqueue(b)
		}
	}

	return true
}

// OnlineCount 在線用戶數
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.online)
}

// ClientCount 連接數
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HasRoom 房間是否存在（即是否有成員）
func (h *Hub) HasRoom(room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, exists := h.rooms[room]
	return exists
}

// RoomMembers 房間成員的 client_id 列表
func (h *Hub) RoomMembers(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// Stats 獲取統計資訊
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"total_clients": len(h.clients),
		"total_rooms":   len(h.rooms),
		"online_count":  len(h.online),
	}
}

// reapLoop 定期回收空閒連接
func (h *Hub) reapLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Reap()
		case <-h.stopCh:
			return
		}
	}
}

// Reap 回收超過空閒閾值的連接，返回回收數量（公開方法供測試使用）
func (h *Hub) Reap() int {
	if h.idleTimeout <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-h.idleTimeout)

	h.mu.RLock()
	var idle []*Client
	for _, c := range h.clients {
		if c.LastActivity().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range idle {
		h.logger.Info("回收空閒連接", "client_id", c.ID)
		h.RemoveClient(c)
	}

	return len(idle)
}

// Stop 停止中繼中心並拆除所有連接（冪等）
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.wg.Wait()

		h.mu.RLock()
		remaining := make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			remaining = append(remaining, c)
		}
		h.mu.RUnlock()

		for _, c := range remaining {
			h.RemoveClient(c)
		}

		h.logger.Info("中繼中心已停止")
	})
}
