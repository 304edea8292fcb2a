// Package realtimechat 提供了一個即時在線狀態與訊息轉發系統。
//
// 實現了一個以 TCP 為主幹的即時通信中繼，包含以下核心組件：
//
// 訊息中繼服務器（Relay Server）
//
// 以換行分隔的 JSON 訊框協議處理即時通信：
//   - 身份認證（信任調用方聲明的 user_id/username）
//   - 房間加入與離開（單房間策略）
//   - 房間內訊息廣播
//   - 輸入狀態提示（typing / stop_typing）
//   - 在線人數統計與上下線廣播
//
// 房間註冊表（Room Registry）
//
// 由中繼服務器獨佔擁有的共享狀態：
//   - 房間隨首次加入隱式創建，最後一名成員離開時立即刪除
//   - 在線集合隨認證加入、隨連接斷開移除
//   - 所有變更在同步邊界內序列化（RWMutex）
//
// 協議橋接器（Protocol Bridge）
//
// 面向瀏覽器的 WebSocket 轉接層：
//   - 每個 WebSocket 會話對應一條上游 TCP 連接
//   - 兩條獨立轉發循環，任一方終止則兩端一併關閉
//   - 只翻譯封裝格式，不觸碰 type/data 語義
//
// 併發安全設計
//
// 採用了多層次的併發控制策略：
//   - 每連接一個讀取 goroutine，互不阻塞
//   - 緩衝 channel 異步送出（慢客戶端不拖累廣播）
//   - RWMutex 序列化房間與在線集合的變更
//   - errgroup 管理橋接會話的取消範圍
//
// 使用範例
//
// 啟動中繼服務器：
//
//	hub := internal.NewHub(logger, 0)
//	srv := internal.NewServer(":6000", hub, logger)
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
// 啟動橋接器：
//
//	bridge := internal.NewBridge(":8080", "localhost:6000", logger)
//	if err := bridge.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
// 架構設計
//
// 系統採用分層架構設計：
//   - cmd 層：二進制入口（server 與 bridge）
//   - internal 層：協議編解碼、連接模型、中繼邏輯與橋接
//   - 外部協作者（CRUD 子系統）通過 Hub.NotifyUser 推送通知
package realtimechat
