package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"tlogd/internal/config"

	"github.com/goccy/go-yaml"
)

// initConfig загружает конфиг из файла YAML. Если файл не найден, возвращается config.Default().
func initConfig(path string) (config.Config, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}

	// поля, которых нет в файле, остаются по умолчанию
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true, Level: parseLevel(cfg.Logger.Level)}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
	return logger
}
