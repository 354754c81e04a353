package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "powerslides",
	Level: hclog.LevelFromString("INFO"),
})

// SetLogLevel changes the level of AppLogger; unknown levels are ignored.
func SetLogLevel(level string) {
	if l := hclog.LevelFromString(level); l != hclog.NoLevel {
		AppLogger.SetLevel(l)
	}
}
