package internal

import (
	"encoding/json"
	"fmt"
	"time"
)

// 訊框類型
//
// 線上格式（每行一個 JSON 物件，換行結尾）：
//
//	{"type": "<string>", "data": {...}, "timestamp": "<RFC3339>"}
//
// timestamp 由最後送出的一方填寫，接收方必須容忍其缺失。
const (
	TypeConnected       = "connected"
	TypeAuthenticate    = "authenticate"
	TypeAuthSuccess     = "auth_success"
	TypeAuthError       = "auth_error"
	TypeJoinRoom        = "join_room"
	TypeRoomJoined      = "room_joined"
	TypeLeaveRoom       = "leave_room"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeSendMessage     = "send_message"
	TypeNewMessage      = "new_message"
	TypeTyping          = "typing"
	TypeUserTyping      = "user_typing"
	TypeStopTyping      = "stop_typing"
	TypeUserStopTyping  = "user_stop_typing"
	TypeGetOnlineCount  = "get_online_count"
	TypeOnlineCount     = "online_count"
	TypeUserOnline      = "user_online"
	TypeUserOffline     = "user_offline"
	TypeNewNotification = "new_notification"
	TypeError           = "error"
)

// Frame 一個離散的類型化訊息
//
// Data 保留原始 JSON 位元組：中繼按類型再解碼，橋接器原樣透傳。
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// AuthPayload authenticate 訊框的負載
//
// user_id 為 0 視同缺失（調用方的身份提供者不會發放 0）。
type AuthPayload struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// RoomPayload join_room / leave_room / typing 訊框的負載
type RoomPayload struct {
	RoomName string `json:"room_name"`
}

// MessagePayload send_message 訊框的負載
type MessagePayload struct {
	RoomName string `json:"room_name"`
	Message  string `json:"message"`
}

// DecodeFrame 解析一行訊框
func DecodeFrame(line []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("解析訊框失敗: %w", err)
	}
	return &f, nil
}

// EncodeFrame 序列化一個輸出訊框（換行結尾，timestamp 為當前時間）
func EncodeFrame(frameType string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("序列化負載失敗: %w", err)
	}

	frame := Frame{
		Type:      frameType,
		Data:      payload,
		Timestamp: time.Now().Format(time.RFC3339),
	}

	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("序列化訊框失敗: %w", err)
	}

	return append(b, '\n'), nil
}
