package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// AddLoggingFlags declares the flags shared by every hermes binary.
func AddLoggingFlags(cmd *cobra.Command, config *viper.Viper) {
	cmd.PersistentFlags().BoolP("debug", "d", false, "Use a developer-friendly console logger")
	config.BindPFlag("debug", cmd.PersistentFlags().Lookup("debug"))
}

// Logger builds the process logger the way every service here does: console
// encoder under --debug, JSON in production, the process name as a field.
func Logger(config *viper.Viper, name string) *zap.Logger {
	opts := []zap.Option{
		zap.Fields(zap.String("process_name", name)),
	}
	var (
		logger *zap.Logger
		err    error
	)
	if config.GetBool("debug") {
		logger, err = zap.NewDevelopment(opts...)
	} else {
		logger, err = zap.NewProduction(opts...)
	}
	if err != nil {
		panic(err)
	}
	return logger
}

// Notify returns a channel receiving the operator interrupt signals.
func Notify() chan os.Signal {
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	return sigc
}
