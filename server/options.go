package server

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"dotrpc/callpath"
)

// Options configures a Server. The zero value is usable.
type Options struct {
	Delimiter string // Path delimiter, "." by default
	Debug     bool   // Debug logging when Logger is nil

	Host string // Bind address, all interfaces when empty
	Port int    // Preferred port; any free port when 0 or taken

	// Advertise is the address registered for every service. Defaults to
	// Host:port, or 127.0.0.1:port when Host is empty or a wildcard.
	Advertise string

	// Shutdown bounds each registry withdraw during shutdown. Open
	// connections are never cut short.
	Shutdown time.Duration

	TTL     int64 // Registry lease in seconds
	Weight  int
	Version string

	Logger *zap.Logger
}

const (
	DefaultShutdown = 5 * time.Second
	DefaultTTL      = 10

	registryTimeout = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Delimiter == "" {
		o.Delimiter = callpath.DefaultDelimiter
	}
	if o.Shutdown <= 0 {
		o.Shutdown = DefaultShutdown
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	return o
}

func (o Options) advertiseAddr(port int) string {
	if o.Advertise != "" {
		return o.Advertise
	}
	host := o.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
