package server

import "time"

// Trigger modes select edge- or level-triggered notification for the
// listening socket and for client connections.
const (
	TriggerLevel      = 0 // both level-triggered
	TriggerConnEdge   = 1 // connections edge-triggered
	TriggerListenEdge = 2 // listener edge-triggered
	TriggerEdge       = 3 // both edge-triggered
)

type Config struct {
	Host            string
	Port            int
	TriggerMode     int
	IdleTimeout     time.Duration
	Workers         int
	DocRoot         string
	OptLinger       bool
	MaxConns        int
	Backlog         int
	MaxEvents       int
	MaxHeaderSize   int
	MaxBodySize     int64
	AcceptRate      float64
	AcceptBurst     int
	EnableKeepAlive bool
	EnableLogging   bool
}

func DefaultConfig() *Config {
	return &Config{
		Port:            8080,
		TriggerMode:     TriggerEdge,
		IdleTimeout:     60 * time.Second,
		Workers:         8,
		DocRoot:         "pages",
		OptLinger:       false,
		MaxConns:        65536,
		Backlog:         1024,
		MaxEvents:       1024,
		MaxHeaderSize:   8192,
		MaxBodySize:     10 * 1024 * 1024, // 10MB
		EnableKeepAlive: true,
		EnableLogging:   false,
	}
}
