package stomp

// NewConnect creates a CONNECT frame carrying the bearer token
func NewConnect(host, token string) *Frame {
	f := NewFrame(CommandConnect,
		HeaderAcceptVersion, Version,
		HeaderHeartBeat, "0,0",
	)
	if host != "" {
		f.Header.Set(HeaderHost, host)
	}
	if token != "" {
		f.Header.Set(HeaderAuthorization, "Bearer "+token)
	}
	return f
}

// NewSubscribe creates a SUBSCRIBE frame with automatic acknowledgement
func NewSubscribe(id, destination string) *Frame {
	return NewFrame(CommandSubscribe,
		HeaderID, id,
		HeaderDestination, destination,
		HeaderAck, "auto",
	)
}

// NewUnsubscribe creates an UNSUBSCRIBE frame
func NewUnsubscribe(id string) *Frame {
	return NewFrame(CommandUnsubscribe, HeaderID, id)
}

// NewSend creates a SEND frame
func NewSend(destination, contentType string, body []byte) *Frame {
	f := NewFrame(CommandSend, HeaderDestination, destination)
	if contentType != "" {
		f.Header.Set(HeaderContentType, contentType)
	}
	f.Body = body
	return f
}

// NewDisconnect creates a DISCONNECT frame, optionally requesting a receipt
func NewDisconnect(receipt string) *Frame {
	f := NewFrame(CommandDisconnect)
	if receipt != "" {
		f.Header.Set(HeaderReceipt, receipt)
	}
	return f
}

// NewConnected creates the server reply to CONNECT
func NewConnected(user string) *Frame {
	f := NewFrame(CommandConnected,
		HeaderVersion, Version,
		HeaderHeartBeat, "0,0",
	)
	if user != "" {
		f.Header.Set(HeaderUserName, user)
	}
	return f
}

// NewMessage creates a MESSAGE frame delivered to one subscription
func NewMessage(destination, subscription, messageID string, body []byte) *Frame {
	f := NewFrame(CommandMessage,
		HeaderDestination, destination,
		HeaderSubscription, subscription,
		HeaderMessageID, messageID,
		HeaderContentType, ContentTypeJSON,
	)
	f.Body = body
	return f
}

// NewError creates an ERROR frame
func NewError(message, details string) *Frame {
	f := NewFrame(CommandError, HeaderMessage, message)
	if details != "" {
		f.Body = []byte(details)
	}
	return f
}

// NewReceipt creates a RECEIPT frame
func NewReceipt(id string) *Frame {
	return NewFrame(CommandReceipt, HeaderReceiptID, id)
}
