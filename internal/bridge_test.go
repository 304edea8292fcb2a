package internal_test

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-realtime-chat/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestBridge 啟動指向給定上游的橋接器
func startTestBridge(t *testing.T, upstream string) *internal.Bridge {
	t.Helper()

	bridge := internal.NewBridge("127.0.0.1:0", upstream, testLogger())
	require.NoError(t, bridge.Start())
	t.Cleanup(bridge.Stop)

	return bridge
}

func dialBridge(t *testing.T, bridge *internal.Bridge) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+bridge.Addr()+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	return ws
}

// readRaw 讀一個文本訊息並解析成頂層鍵值，用於檢查線上格式本身
func readRaw(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, message, err := ws.ReadMessage()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(message, &raw))
	return raw
}

func expectWS(t *testing.T, ws *websocket.Conn, frameType string) map[string]any {
	t.Helper()

	raw := readRaw(t, ws)
	require.Equal(t, frameType, raw["type"])

	data, _ := raw["data"].(map[string]any)
	return data
}

func TestBridge_EndToEnd(t *testing.T) {
	server, hub := startTestServer(t)
	bridge := startTestBridge(t, server.Addr())
	ws := dialBridge(t, bridge)

	// 上游的歡迎訊框原樣到達，timestamp 已剝除
	raw := readRaw(t, ws)
	assert.Equal(t, internal.TypeConnected, raw["type"])
	assert.NotContains(t, raw, "timestamp")

	// 透過橋接器完成認證
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"authenticate","data":{"user_id":42,"username":"alice"}}`)))

	data := expectWS(t, ws, internal.TypeAuthSuccess)
	assert.EqualValues(t, 42, data["user_id"])
	assert.Equal(t, "alice", data["username"])

	data = expectWS(t, ws, internal.TypeUserOnline)
	assert.EqualValues(t, 1, data["online_count"])
	assert.Equal(t, 1, hub.OnlineCount())
}

func TestBridge_TimestampRewrittenUpstream(t *testing.T) {
	// 假上游：捕獲橋接器實際寫出的那一行
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	lines := make(chan []byte, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		if scanner.Scan() {
			lines <- append([]byte(nil), scanner.Bytes()...)
		}
	}()

	bridge := startTestBridge(t, listener.Addr().String())
	ws := dialBridge(t, bridge)

	// 前端不送 timestamp，橋接器補上接收時刻
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"get_online_count"}`)))

	select {
	case line := <-lines:
		frame, err := internal.DecodeFrame(line)
		require.NoError(t, err)
		assert.Equal(t, internal.TypeGetOnlineCount, frame.Type)

		_, err = time.Parse(time.RFC3339, frame.Timestamp)
		assert.NoError(t, err, "上游訊框必須攜帶 RFC3339 時間戳")
	case <-time.After(2 * time.Second):
		t.Fatal("等待上游訊框超時")
	}
}

func TestBridge_MalformedFrameSkipped(t *testing.T) {
	server, _ := startTestServer(t)
	bridge := startTestBridge(t, server.Addr())
	ws := dialBridge(t, bridge)
	readRaw(t, ws) // connected

	// 格式錯誤的訊框被丟棄，會話不拆
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`this is not json`)))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"authenticate","data":{"user_id":1,"username":"alice"}}`)))
	expectWS(t, ws, internal.TypeAuthSuccess)
}

func TestBridge_WSCloseTearsDownUpstream(t *testing.T) {
	server, hub := startTestServer(t)
	bridge := startTestBridge(t, server.Addr())
	ws := dialBridge(t, bridge)
	readRaw(t, ws) // connected

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// 前端離開，上游 TCP 腿必須一併拆除
	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestBridge_UpstreamCloseTearsDownWS(t *testing.T) {
	// 假上游：接受後立即掛斷
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	bridge := startTestBridge(t, listener.Addr().String())
	ws := dialBridge(t, bridge)

	// 上游掛斷後，前端腿也該在短時間內收到關閉
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestBridge_StopClosesActiveSessions(t *testing.T) {
	server, hub := startTestServer(t)
	bridge := startTestBridge(t, server.Addr())
	ws := dialBridge(t, bridge)
	readRaw(t, ws) // connected

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// 升級後的連接不歸 http.Server 管，Stop 必須自己拆掉在役會話
	done := make(chan struct{})
	go func() {
		bridge.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop 在有會話時未能返回")
	}

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "會話兩腿都該被關閉")

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestBridge_UpstreamUnreachableClosesWS(t *testing.T) {
	// 拿一個必然拒絕連接的地址
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := listener.Addr().String()
	require.NoError(t, listener.Close())

	bridge := startTestBridge(t, deadAddr)

	// 升級成功但上游撥號失敗，WebSocket 隨即被關閉
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+bridge.Addr()+"/", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}
