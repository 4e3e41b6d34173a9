package model

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Session 是一次成功绑定的快照。
//
// 说明：
//   - 既是持久化记录，也是集群绑定事件的载荷；
//   - ID 由持久化层分配，其余字段在绑定时一次性填充；
//   - 发布之后不再修改，跨协程传递时按值拷贝。
type Session struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UID          string    `gorm:"column:uid;size:64;not null;index:idx_session_uid" json:"uid"`
	ConnectionID string    `gorm:"column:nid;size:64;not null" json:"nid"`
	DeviceID     string    `gorm:"column:device_id;size:128" json:"deviceId"`
	DeviceName   string    `gorm:"column:device_name;size:128" json:"deviceName"`
	Channel      Channel   `gorm:"column:channel;size:16" json:"channel"`
	AppVersion   string    `gorm:"column:app_version;size:32" json:"appVersion"`
	OSVersion    string    `gorm:"column:os_version;size:32" json:"osVersion"`
	Language     string    `gorm:"column:language;size:32" json:"language"`
	Host         string    `gorm:"column:host;size:64" json:"host"`
	BindTime     time.Time `gorm:"column:bind_time" json:"bindTime"`
}

// TableName 指定 gorm 使用的表名。
func (Session) TableName() string {
	return "cim_session"
}

// Clone 返回 Session 的副本。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// MarshalLogObject 实现 zapcore.ObjectMarshaler，便于结构化日志输出。
func (s *Session) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("id", s.ID)
	enc.AddString("uid", s.UID)
	enc.AddString("nid", s.ConnectionID)
	enc.AddString("deviceId", s.DeviceID)
	enc.AddString("channel", string(s.Channel))
	enc.AddString("host", s.Host)
	return nil
}

// FieldSession 返回包含 Session 概要信息的 zap 字段。
func FieldSession(s *Session) zap.Field {
	return zap.Object("session", s)
}
