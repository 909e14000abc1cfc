package notify

// Notifier performs the user-facing side effects of incoming notifications.
// Implementations must not block.
type Notifier interface {
	// RequestPermission is called once per session when a user becomes available
	RequestPermission()
	// PlayAlert plays the audio cue
	PlayAlert()
	// ShowToast shows an in-app toast for the newest unread item
	ShowToast(n Notification)
	// ShowNative raises an OS-level notification, used for CRITICAL items
	ShowNative(n Notification)
}

// NopNotifier discards every side effect
type NopNotifier struct{}

func (NopNotifier) RequestPermission()      {}
func (NopNotifier) PlayAlert()              {}
func (NopNotifier) ShowToast(Notification)  {}
func (NopNotifier) ShowNative(Notification) {}
