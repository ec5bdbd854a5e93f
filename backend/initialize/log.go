package initialize

import (
	"os"
	"strings"

	"agentfleet/backend/global"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	// basic zerolog setup: console writer to stdout
	cw := zerolog.ConsoleWriter{Out: os.Stdout}
	global.Logger = log.Output(cw).With().Timestamp().Logger()
}

// SetLogLevel applies a level name to every logger in the process, including
// the ones services derived at startup. Unknown names leave the level unchanged.
func SetLogLevel(level string) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
