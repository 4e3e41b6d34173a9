package protocol

const (
	// KeyClientBind 为客户端绑定请求的 key。
	KeyClientBind = "client_bind"

	// ActionForceOffline 为强制下线消息的 action。
	ActionForceOffline = "999"
	// SystemSender 为系统消息的发送方 ID。
	SystemSender = "0"

	CodeOK                  = 200
	CodeBadRequest          = 400
	CodeInternalServerError = 500
)

// SentBody 为客户端上行请求。
type SentBody struct {
	Key       string            `json:"key"`
	Timestamp int64             `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// Get 返回 Data 中 k 对应的值，不存在时返回空字符串。
func (b *SentBody) Get(k string) string {
	if b == nil || b.Data == nil {
		return ""
	}
	return b.Data[k]
}

// ReplyBody 为服务端对 SentBody 的应答，Key 与请求保持一致。
type ReplyBody struct {
	Key       string            `json:"key"`
	Code      int               `json:"code"`
	Message   string            `json:"message,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// Message 为服务端下发给客户端的消息。
type Message struct {
	ID        int64  `json:"id,omitempty"`
	Action    string `json:"action"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content,omitempty"`
	Extra     string `json:"extra,omitempty"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Format    string `json:"format,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
