package handlers

import (
	"time"

	"github.com/babelcloud/camrelay/internal/viewer"
)

// ServerService defines the interface for server operations that handlers need
type ServerService interface {
	// Status and info
	IsRunning() bool
	GetPort() int
	GetUptime() time.Duration
	GetBuildID() string
	GetVersion() string

	// Cameras and sessions
	Hub() *viewer.Hub

	// Server lifecycle
	Stop() error
}
