package main

import (
	"time"

	"github.com/alecthomas/kong"
)

type Globals struct {
	GlobalLogger `prefix:"logger." group:"Logger Configuration"`

	Config  kong.ConfigFlag  `help:"Configuration file to load" placeholder:"/etc/bootkit/config.toml"`
	Version kong.VersionFlag `help:"Print version information"`

	Sysroot     string        `name:"sysroot" env:"BOOTKIT_SYSROOT" default:"${defaultSysroot}" help:"Storage root shared with the boot-time generator"`
	LockTimeout time.Duration `name:"lock-timeout" default:"30s" help:"How long to wait for the storage root lock before failing"`
	PlainHTTP   bool          `name:"plain-http" help:"Use plain HTTP for registry access"`
	Check       bool          `name:"check" help:"Print the current values of all options without running a command"`
	JSON        bool          `name:"json" help:"Display output in JSON format"`
}

type GlobalLogger struct {
	LogLevel      string `name:"level" default:"info" short:"l" help:"Set log level" enum:"error,warn,info,debug"`
	LogColor      bool   `name:"color" default:"false" help:"Enable colorized logs"`
	LogJSON       bool   `name:"json" default:"false" help:"Emit logs as JSON"`
	LogTimeFormat string `name:"timefmt" default:"DateTime" help:"Time format for log messages" enum:"DateTime,TimeOnly,DateOnly,Stamp,RFC822,RFC3339"`
}
