package log

import (
	"github.com/kiltia/cartgrid/config"

	"go.uber.org/zap"
)

// Init builds a development logger from cfg and installs it as the global
// zap logger. The returned function flushes it.
func Init(cfg config.LogConfig) (func(), error) {
	conf := zap.NewDevelopmentConfig()
	conf.Level = zap.NewAtomicLevelAt(cfg.Level)
	if cfg.Encoding != "" {
		conf.Encoding = cfg.Encoding
	}
	// stdout is reserved for the report
	conf.OutputPaths = []string{"stderr"}
	logger, err := conf.Build()
	if err != nil {
		return nil, err
	}
	undo := zap.ReplaceGlobals(logger)
	return func() {
		_ = logger.Sync()
		undo()
	}, nil
}
