package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameNode      = "node"
	FieldNameUID       = "uid"
	FieldNameConnID    = "connID"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldNode 返回一个包含节点 ID 的 zap 字段。
func FieldNode(nodeID string) zap.Field {
	return zap.String(FieldNameNode, nodeID)
}

// FieldUID 返回一个包含用户 ID 的 zap 字段。
func FieldUID(uid string) zap.Field {
	return zap.String(FieldNameUID, uid)
}

// FieldConnID 返回一个包含连接 ID 的 zap 字段。
func FieldConnID(connID string) zap.Field {
	return zap.String(FieldNameConnID, connID)
}

// FieldMessage 返回一个包含消息对象的 zap 字段。
func FieldMessage(msg zapcore.ObjectMarshaler) zap.Field {
	return zap.Object("message", msg)
}
