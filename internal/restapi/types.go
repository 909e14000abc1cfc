package restapi

import (
	"errors"
	"fmt"
	"net/http"

	"invnotify/internal/notify"
)

// Errors
var (
	ErrCircuitOpen  = errors.New("notification API circuit open")
	ErrUnauthorized = errors.New("notification API rejected credentials")
)

// StatusError is returned for non-2xx responses
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("notification API returned %d", e.Code)
	}
	return fmt.Sprintf("notification API returned %d: %s", e.Code, e.Body)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401/403 responses
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && (e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden)
}

// ListQuery selects a page of notifications. Empty Status means all.
type ListQuery struct {
	Status notify.Status
	Page   int
	Size   int
}

// Page is one page of notifications, newest first
type Page struct {
	Content       []notify.Notification `json:"content"`
	TotalElements int64                 `json:"totalElements"`
	TotalPages    int                   `json:"totalPages"`
	Number        int                   `json:"number"`
	Size          int                   `json:"size"`
}

type countResponse struct {
	Count       *int `json:"count"`
	UnreadCount *int `json:"unreadCount"`
}
