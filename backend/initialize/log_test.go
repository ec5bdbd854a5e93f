package initialize

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"agentfleet/backend/config"
	"agentfleet/backend/global"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

func keepGlobalLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
}

func TestSetLogLevelReachesDerivedLoggers(t *testing.T) {
	keepGlobalLevel(t)
	var buf bytes.Buffer
	held := zerolog.New(&buf).With().Str("component", "lifecycle").Logger()

	SetLogLevel("error")
	held.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info must be dropped at error level, got %s", buf.String())
	}
	held.Error().Msg("shown")
	if !strings.Contains(buf.String(), `"component":"lifecycle"`) {
		t.Fatalf("error must still be written, got %q", buf.String())
	}

	SetLogLevel("nonsense")
	SetLogLevel("  ")
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Fatalf("unknown or blank level must be ignored, got %s", zerolog.GlobalLevel())
	}

	buf.Reset()
	SetLogLevel(" INFO ")
	held.Info().Msg("back")
	if !strings.Contains(buf.String(), "back") {
		t.Fatalf("info must be written after lowering the level, got %q", buf.String())
	}
}

func TestReloadAppliesLogLevel(t *testing.T) {
	keepGlobalLevel(t)
	a := &App{}
	a.reload(&config.Config{LogLevel: "warn"}, fsnotify.Event{Name: "config.yaml", Op: fsnotify.Write})
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("reload must apply log.level, got %s", zerolog.GlobalLevel())
	}
}

func TestSetLogLevelConcurrentWithLogging(t *testing.T) {
	keepGlobalLevel(t)
	logger := global.Logger.Output(&bytes.Buffer{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				SetLogLevel("error")
			} else {
				SetLogLevel("debug")
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			logger.Debug().Int("i", i).Send()
			logger.Info().Int("i", i).Send()
		}
	}()
	wg.Wait()
}
