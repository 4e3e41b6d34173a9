// Package eventbus 在集群节点之间广播绑定事件。
package eventbus

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/danmu-garden-push/internal/json"
	"github.com/lk2023060901/danmu-garden-push/internal/model"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

// Event 为一次绑定成功后广播的事件。
type Event struct {
	// Node 为发布事件的节点 ID。
	Node string `json:"node"`
	// Session 为绑定快照，发布后不再修改。
	Session *model.Session `json:"session"`
}

// Key 返回事件的分区键（uid）。
func (e *Event) Key() string {
	if e == nil || e.Session == nil {
		return ""
	}
	return e.Session.UID
}

// Encode 将事件编码为 JSON。
func (e *Event) Encode() ([]byte, error) {
	if e == nil || e.Session == nil {
		return nil, merr.WrapErrParameterMissing("event.session")
	}
	return json.Marshal(e)
}

// Decode 解析一条事件。
func Decode(data []byte) (*Event, error) {
	ev := &Event{}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, merr.WrapErrEventDecodeFailed(err)
	}
	if ev.Session == nil {
		return nil, merr.WrapErrEventDecodeFailed(errors.New("session is empty"))
	}
	return ev, nil
}

// Bus 为集群绑定事件的发布订阅通道。
//
// 约定：
//   - 至少一次投递，不保证顺序；
//   - 发布者自身同样会收到自己发布的事件，由 Dispatcher 根据 Event.Node 过滤；
//   - Subscribe 返回的 channel 在 ctx 取消、Bus 关闭或底层订阅中断时关闭，
//     调用方可以重新订阅。
type Bus interface {
	// Name 返回后端名称，用于日志与指标。
	Name() string

	// Publish 发布一条事件。
	Publish(ctx context.Context, ev *Event) error

	// Subscribe 订阅事件流。
	Subscribe(ctx context.Context) (<-chan *Event, error)

	// Close 释放底层资源，之后的 Publish/Subscribe 返回 merr.ErrEventBusClosed。
	Close() error
}

const defaultSubscribeBuffer = 256
