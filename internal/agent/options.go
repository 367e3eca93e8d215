package agent

import "strconv"

// Options describe the agent payload and its command line.
type Options struct {
	// LocalPath is the agent payload on the host.
	LocalPath string
	// DevicePath is where the payload is pushed on the device.
	DevicePath string
	Version    string
	ClassName  string
	MaxSize    int
	LogLevel   string
}

// DefaultOptions matches scrcpy-server 3.3.3.
func DefaultOptions() Options {
	return Options{
		LocalPath:  "tools/scrcpy-server-v3.3.3.jar",
		DevicePath: "/data/local/tmp/scrcpy-server.jar",
		Version:    "3.3.3",
		ClassName:  "com.genymobile.scrcpy.Server",
		MaxSize:    1280,
		LogLevel:   "verbose",
	}
}

// withDefaults fills empty fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LocalPath == "" {
		o.LocalPath = d.LocalPath
	}
	if o.DevicePath == "" {
		o.DevicePath = d.DevicePath
	}
	if o.Version == "" {
		o.Version = d.Version
	}
	if o.ClassName == "" {
		o.ClassName = d.ClassName
	}
	if o.MaxSize == 0 {
		o.MaxSize = d.MaxSize
	}
	if o.LogLevel == "" {
		o.LogLevel = d.LogLevel
	}
	return o
}

// Command is the device shell command line starting the agent for the
// session identified by scid (8 hex digits). Video only, forward tunnel,
// raw stream without dummy byte or frame headers.
func (o Options) Command(scid string) []string {
	return []string{
		"CLASSPATH=" + o.DevicePath,
		"app_process",
		"/",
		o.ClassName,
		o.Version,
		"scid=" + scid,
		"log_level=" + o.LogLevel,
		"audio=false",
		"video=true",
		"max_size=" + strconv.Itoa(o.MaxSize),
		"tunnel_forward=true",
		"control=true",
		"send_dummy_byte=false",
		"send_frame_meta=false",
	}
}
