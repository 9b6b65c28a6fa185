// Package autoload configures the global zerolog logger from the LOG_*
// environment on import. Binaries blank-import it before reading config.
package autoload

import (
	configx "github.com/garage52/autoservice-agent/pkg/config"
	logx "github.com/garage52/autoservice-agent/pkg/logger"
)

func init() {
	cfg := configx.MustNew[logx.Config]("LOG")
	logx.Init(*cfg)
}
