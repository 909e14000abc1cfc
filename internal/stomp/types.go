package stomp

import (
	"errors"

	"github.com/go-stomp/stomp/v3/frame"
)

// Version is the only protocol version spoken
const Version = "1.2"

// Client commands
const (
	CommandConnect     = frame.CONNECT
	CommandStomp       = frame.STOMP
	CommandSend        = frame.SEND
	CommandSubscribe   = frame.SUBSCRIBE
	CommandUnsubscribe = frame.UNSUBSCRIBE
	CommandDisconnect  = frame.DISCONNECT
)

// Server commands
const (
	CommandConnected = frame.CONNECTED
	CommandMessage   = frame.MESSAGE
	CommandReceipt   = frame.RECEIPT
	CommandError     = frame.ERROR
)

// Header names
const (
	HeaderAcceptVersion = "accept-version"
	HeaderVersion       = "version"
	HeaderHost          = "host"
	HeaderHeartBeat     = "heart-beat"
	HeaderAuthorization = "Authorization"
	HeaderUserName      = "user-name"
	HeaderDestination   = "destination"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderID            = "id"
	HeaderAck           = "ack"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderMessage       = "message"
)

// ContentTypeJSON is set on every outbound SEND carrying JSON
const ContentTypeJSON = "application/json"

// Errors
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownCommand = errors.New("unknown command")
)

var knownCommands = map[string]bool{
	CommandConnect:     true,
	CommandStomp:       true,
	CommandSend:        true,
	CommandSubscribe:   true,
	CommandUnsubscribe: true,
	CommandDisconnect:  true,
	CommandConnected:   true,
	CommandMessage:     true,
	CommandReceipt:     true,
	CommandError:       true,
}
