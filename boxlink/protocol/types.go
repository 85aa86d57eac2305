package protocol

type MessageType uint8

const (
	MessageTypeData  MessageType = 1
	MessageTypeClose MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeData:
		return "DATA"
	case MessageTypeClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}
