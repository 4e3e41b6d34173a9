package model

// Channel 表示客户端的设备通道类型。
type Channel string

const (
	ChannelAndroid Channel = "android"
	ChannelIOS     Channel = "ios"
	ChannelWindows Channel = "windows"
	ChannelWeb     Channel = "web"
	ChannelMac     Channel = "mac"
)

// Channels 返回全部已知的设备通道类型。
func Channels() []Channel {
	return []Channel{ChannelAndroid, ChannelIOS, ChannelWindows, ChannelWeb, ChannelMac}
}

// Valid 判断 c 是否属于已知的设备通道类型。
// 未知类型仍然可以绑定，只是不参与冲突判定。
func (c Channel) Valid() bool {
	switch c {
	case ChannelAndroid, ChannelIOS, ChannelWindows, ChannelWeb, ChannelMac:
		return true
	default:
		return false
	}
}

func (c Channel) String() string {
	return string(c)
}
