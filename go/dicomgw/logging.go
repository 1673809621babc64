package main

import (
	log "github.com/sirupsen/logrus"
)

// LogConfig configures handling of application log events. This was copied
// from mainboilerplate so that the level can be the numeric verbosity which
// existing gateway deployments set: 10 debug, 20 info, 30 warning.
type LogConfig struct {
	Level  int    `long:"level" env:"LOG_LEVEL" default:"20" description:"Numeric logging verbosity: <=10 debug, <=20 info, <=30 warning, else error"`
	Format string `long:"format" env:"LOG_FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

func initLog(cfg LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{})
	} else if cfg.Format == "color" {
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	switch {
	case cfg.Level <= 10:
		log.SetLevel(log.DebugLevel)
	case cfg.Level <= 20:
		log.SetLevel(log.InfoLevel)
	case cfg.Level <= 30:
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}
