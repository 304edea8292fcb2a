package internal

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// maxFrameSize 單行訊框的大小上限
const maxFrameSize = 1024 * 1024

// Server 換行分隔 JSON 協議的 TCP 中繼服務器
//
// 每條接受的連接由一個讀取 goroutine 順序消化訊框；監聽綁定失敗是
// 啟動階段唯一的致命錯誤，之後的一切故障都只影響單條連接。
type Server struct {
	address  string
	listener net.Listener
	hub      *Hub
	logger   *slog.Logger
	quit     chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer 創建 TCP 中繼服務器
func NewServer(address string, hub *Hub, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		hub:     hub,
		logger:  logger,
		quit:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start 綁定監聽端口並在背景開始接受連接
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("啟動 TCP 服務器失敗: %w", err)
	}
	s.listener = listener

	s.logger.Info("TCP 服務器啟動", "address", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop 停止服務器並等待所有連接收尾
//
// 讀取循環阻塞在 Scan 上，必須主動關閉每條在役連接才能喚醒它們，
// 否則任何一個還連著的客戶端都會讓 Wait 永遠等下去。
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Addr 返回實際監聽地址
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.logger.Error("接受連接失敗", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn 服務一條連接直到對端關閉或讀取出錯
//
// 讀取循環結束（不論原因）統一走 Hub.RemoveClient 的拆除流程。
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	// 關閉競態：Stop 可能在登記前就掃完了連接表
	select {
	case <-s.quit:
		conn.Close()
		return
	default:
	}

	client := NewClient(conn, s.logger)
	s.hub.Register(client)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		client.WritePump()
	}()

	defer s.hub.RemoveClient(client)

	// 連接確認
	client.Send(TypeConnected, map[string]any{
		"client_id": client.ID,
		"message":   "Connected to TCP server",
	})

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.hub.HandleFrame(client, line)
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-s.quit:
		default:
			s.logger.Error("讀取客戶端失敗",
				"client_id", client.ID,
				"error", err)
		}
	}
}
