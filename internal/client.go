package internal

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client 一條傳輸層會話及其中繼狀態
//
// 系統設計考量：
//
//  1. 異步送出（send channel + WritePump）：
//     問題：廣播時任何一個慢客戶端都可能阻塞整個房間
//     方案：每連接一個緩衝 channel，寫入由專屬 goroutine 消化
//     緩衝滿時丟棄該訊框（只影響這一個客戶端，記錄日誌不重試）
//
//  2. 關閉冪等（sync.Once + closed 旗標）：
//     問題：對端關閉、讀取錯誤、空閒回收可能同時觸發清理
//     方案：Close 只執行一次；關閉後的送出一律是 no-op
//     （enqueue 與 Close 共用同一把鎖，杜絕 send on closed channel）
//
//  3. 身份與活動時間由 client 自己的鎖保護，
//     房間成員關係（rooms）則屬於 Hub 的狀態，由 hub.mu 保護。
type Client struct {
	ID     string
	conn   net.Conn
	send   chan []byte
	logger *slog.Logger

	mu            sync.Mutex
	userID        int64
	username      string
	authenticated bool
	lastActivity  time.Time
	closed        bool
	closeOnce     sync.Once

	// rooms 由 hub.mu 保護（見 Hub）
	rooms map[string]struct{}
}

// NewClient 包裝一條已接受的傳輸連接
func NewClient(conn net.Conn, logger *slog.Logger) *Client {
	return &Client{
		ID:           uuid.NewString(),
		conn:         conn,
		send:         make(chan []byte, 256),
		logger:       logger,
		lastActivity: time.Now(),
		rooms:        make(map[string]struct{}),
	}
}

// Send 序列化並送出一個類型化訊框
//
// 射後不理：傳輸錯誤由 WritePump 記錄，調用方不會收到背壓信號。
func (c *Client) Send(frameType string, data any) {
	b, err := EncodeFrame(frameType, data)
	if err != nil {
		c.logger.Error("序列化訊框失敗",
			"client_id", c.ID,
			"type", frameType,
			"error", err)
		return
	}
	c.enqueue(b)
}

// enqueue 把已編碼的訊框放入送出隊列
//
// 已關閉的連接直接忽略；隊列滿時丟棄並記錄（不阻塞廣播方）。
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("送出緩衝區已滿，丟棄訊框", "client_id", c.ID)
	}
}

// WritePump 消化送出隊列並寫入傳輸層
//
// 送出錯誤對這條連接是致命的：停止寫入，讓讀取循環觸發統一清理。
func (c *Client) WritePump() {
	for data := range c.send {
		if _, err := c.conn.Write(data); err != nil {
			c.logger.Error("寫入客戶端失敗",
				"client_id", c.ID,
				"error", err)
			return
		}
	}
}

// Touch 更新最後活動時間
func (c *Client) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity 最後一次收到訊框的時間
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SetIdentity 設置連接聲明的身份
//
// 重複認證不拒絕，直接覆蓋。
func (c *Client) SetIdentity(userID int64, username string) {
	c.mu.Lock()
	c.userID = userID
	c.username = username
	c.authenticated = true
	c.mu.Unlock()
}

// Identity 返回連接當前聲明的身份
func (c *Client) Identity() (userID int64, username string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.username, c.authenticated
}

// RemoteAddr 對端地址（日誌用）
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close 關閉連接並釋放送出隊列（冪等）
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		c.conn.Close()
	})
}
