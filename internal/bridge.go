package internal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// 系統設計問題：
//   瀏覽器無法開原生 TCP 連接，如何讓前端接入 TCP 中繼？
//
// 核心挑戰：
//   1. 協議轉換：WebSocket 離散文本訊息 ↔ 換行分隔的 JSON 行
//   2. 生命週期綁定：任一方向終止，兩端必須一併拆除
//   3. 純透傳：橋接器不持有業務狀態，不檢視 type/data 語義
//
// 設計方案：
//   ✅ 每會話一條上游 TCP 連接（一比一配對）
//   ✅ errgroup 取消範圍 - 兩條轉發循環互為對方的關閉信號
//   ✅ 格式錯誤的單一訊框記錄後跳過，不拆會話

// dialTimeout 上游撥號超時
const dialTimeout = 10 * time.Second

// Bridge WebSocket 到 TCP 的協議橋接器
//
// 每接受一條前端 WebSocket 連接，立即向中繼服務器開一條上游 TCP
// 連接，之後只做封裝格式的雙向翻譯：
//   - 前端 → 上游：重寫 timestamp 後按行寫出
//   - 上游 → 前端：剝除 timestamp 後作為文本訊息送出
type Bridge struct {
	address  string
	upstream string
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions map[*bridgeSession]struct{}
	closing  bool
}

// NewBridge 創建橋接器
//
// upstream 是中繼服務器的 TCP 地址（如 "localhost:6000"）。
func NewBridge(address, upstream string, logger *slog.Logger) *Bridge {
	return &Bridge{
		address:  address,
		upstream: upstream,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 加密與來源控制交給外層反向代理
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:   logger,
		sessions: make(map[*bridgeSession]struct{}),
	}
}

// Start 綁定監聽端口並在背景開始服務 WebSocket 連接
func (b *Bridge) Start() error {
	listener, err := net.Listen("tcp", b.address)
	if err != nil {
		return fmt.Errorf("啟動橋接器失敗: %w", err)
	}
	b.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleWebSocket)
	b.server = &http.Server{Handler: mux}

	b.logger.Info("WebSocket 橋接器啟動",
		"address", listener.Addr().String(),
		"upstream", b.upstream)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("橋接器服務錯誤", "error", err)
		}
	}()

	return nil
}

// Stop 停止橋接器
//
// 升級後的連接已被劫持，http.Server.Close 管不到它們；逐一關閉
// 在役會話的兩腿，喚醒被阻塞的轉發循環後再等待收尾。
func (b *Bridge) Stop() {
	if b.server != nil {
		b.server.Close()
	}

	b.mu.Lock()
	b.closing = true
	for s := range b.sessions {
		s.ws.Close()
		s.tcp.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// Addr 返回實際監聽地址
func (b *Bridge) Addr() string {
	if b.listener != nil {
		return b.listener.Addr().String()
	}
	return ""
}

// handleWebSocket 建立一個橋接會話
func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	tcpConn, err := net.DialTimeout("tcp", b.upstream, dialTimeout)
	if err != nil {
		b.logger.Error("連接上游中繼失敗",
			"upstream", b.upstream,
			"error", err)
		wsConn.Close()
		return
	}

	b.logger.Info("橋接會話建立",
		"remote_addr", r.RemoteAddr,
		"upstream", b.upstream)

	session := &bridgeSession{
		ws:     wsConn,
		tcp:    tcpConn,
		logger: b.logger,
	}

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		wsConn.Close()
		tcpConn.Close()
		return
	}
	b.sessions[session] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.sessions, session)
		b.mu.Unlock()
		b.wg.Done()
	}()

	session.run(r.Context())

	b.logger.Info("橋接會話結束", "remote_addr", r.RemoteAddr)
}

// bridgeSession 一對前端/上游連接
type bridgeSession struct {
	ws     *websocket.Conn
	tcp    net.Conn
	logger *slog.Logger
}

// run 併發執行兩條轉發循環直到任一方終止
//
// 兩條循環只會以錯誤收場（對端正常關閉也是讀取錯誤），第一個錯誤
// 取消共享 context，看門 goroutine 隨即關閉兩端，喚醒被阻塞的另一
// 條循環，保證兩腿一併拆除。
func (s *bridgeSession) run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		s.ws.Close()
		s.tcp.Close()
		return nil
	})

	g.Go(s.forwardToUpstream)
	g.Go(s.forwardToFrontend)

	if err := g.Wait(); err != nil && !isExpectedClose(err) {
		s.logger.Error("橋接會話錯誤", "error", err)
	}
}

// forwardToUpstream 前端 → 上游：讀一個訊框，重寫時間戳，按行寫出
func (s *bridgeSession) forwardToUpstream() error {
	for {
		_, message, err := s.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("讀取 WebSocket 失敗: %w", err)
		}

		frame, err := DecodeFrame(message)
		if err != nil {
			// 單一格式錯誤不拆會話
			s.logger.Error("WebSocket 訊框格式錯誤", "error", err)
			continue
		}

		frame.Timestamp = time.Now().Format(time.RFC3339)
		line, err := json.Marshal(frame)
		if err != nil {
			s.logger.Error("序列化上游訊框失敗", "error", err)
			continue
		}

		if _, err := s.tcp.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("寫入上游失敗: %w", err)
		}
	}
}

// forwardToFrontend 上游 → 前端：讀一行，剝除時間戳，送出文本訊息
func (s *bridgeSession) forwardToFrontend() error {
	scanner := bufio.NewScanner(s.tcp)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		frame, err := DecodeFrame(line)
		if err != nil {
			s.logger.Error("上游訊框格式錯誤", "error", err)
			continue
		}

		// 前端協議不攜帶 timestamp
		frame.Timestamp = ""
		message, err := json.Marshal(frame)
		if err != nil {
			s.logger.Error("序列化前端訊框失敗", "error", err)
			continue
		}

		if err := s.ws.WriteMessage(websocket.TextMessage, message); err != nil {
			return fmt.Errorf("寫入 WebSocket 失敗: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("讀取上游失敗: %w", err)
	}
	return io.EOF
}

// isExpectedClose 判斷會話收尾時的常規關閉錯誤
func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return true
		}
	}
	return false
}
