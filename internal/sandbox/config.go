package sandbox

import "time"

// Config describes the desktop container and the HTTP endpoint of its
// automation API.
type Config struct {
	ContainerName string
	Image         string

	// VNC_RESOLUTION / VNC_COL_DEPTH as the image expects them. A running
	// container whose env disagrees gets recreated.
	Resolution string
	ColorDepth int

	ShmSize string

	VNCPort   int
	NoVNCPort int
	APIPort   int // host port mapped to the container's API

	// APIBaseURL is where the automation API answers on the host.
	APIBaseURL string

	ReadyTimeout time.Duration
	HTTPTimeout  time.Duration

	// ScreenCacheTTL bounds how long a cached screen size is trusted.
	ScreenCacheTTL time.Duration
}

// DefaultConfig matches the stock trycua XFCE image.
func DefaultConfig() Config {
	return Config{
		ContainerName:  "cua_xfce_agent",
		Image:          "docker.io/trycua/cua-xfce:latest",
		Resolution:     "1920x1080",
		ColorDepth:     24,
		ShmSize:        "512m",
		VNCPort:        5901,
		NoVNCPort:      6901,
		APIPort:        8001,
		APIBaseURL:     "http://localhost:8001",
		ReadyTimeout:   120 * time.Second,
		HTTPTimeout:    30 * time.Second,
		ScreenCacheTTL: 500 * time.Millisecond,
	}
}
