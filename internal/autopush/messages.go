package autopush

type MessageType string

const (
	MessageTypeHello        MessageType = "hello"
	MessageTypeRegister     MessageType = "register"
	MessageTypeUnregister   MessageType = "unregister"
	MessageTypeNotification MessageType = "notification"
	MessageTypeAck          MessageType = "ack"
	MessageTypePing         MessageType = "ping"
)

const StatusOK = 200

type HelloRequest struct {
	Type       MessageType `json:"messageType"`
	UAID       string      `json:"uaid,omitempty"`
	ChannelIDs []string    `json:"channelIDs,omitempty"`
	UseWebPush bool        `json:"use_webpush,omitempty"`
}

type HelloResponse struct {
	Type       MessageType       `json:"messageType"`
	UAID       string            `json:"uaid"`
	Status     int               `json:"status"`
	UseWebPush bool              `json:"use_webpush"`
	Broadcasts map[string]string `json:"broadcasts,omitempty"`
}

type RegisterRequest struct {
	Type      MessageType `json:"messageType"`
	ChannelID string      `json:"channelID"`
	Key       string      `json:"key,omitempty"` // application server key
}

type RegisterResponse struct {
	Type         MessageType `json:"messageType"`
	ChannelID    string      `json:"channelID"`
	Status       int         `json:"status"`
	PushEndpoint string      `json:"pushEndpoint"`
}

type UnregisterRequest struct {
	Type      MessageType `json:"messageType"`
	ChannelID string      `json:"channelID"`
}

type Notification struct {
	Type      MessageType       `json:"messageType"`
	ChannelID string            `json:"channelID"`
	Version   string            `json:"version"`
	Data      string            `json:"data"`
	Headers   map[string]string `json:"headers"`
}

type Ack struct {
	Type    MessageType `json:"messageType"`
	Updates []AckUpdate `json:"updates"`
}

type AckUpdate struct {
	ChannelID string `json:"channelID"`
	Version   string `json:"version"`
}
