/*Command delayscan runs pump-probe delay scans on the bench: a Newport DL225
delay stage read out by a Zurich Instruments UHFLI lock-in or a StellarNet
spectrometer.

Usage:

	delayscan <command> [flags]

Run delayscan help for the commands.  Settings come from delayscan.yml (see
delayscan mkconf) and DELAYSCAN_ environment variables.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/knadh/koanf"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nasa-jpl/delayscan/config"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1.0.0"

type app struct {
	confPath string
	mock     bool
	logLevel string

	k    *koanf.Koanf
	conf config.Config
	log  *zap.Logger
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	a.k = koanf.New(".")
	c, err := config.Load(a.k, a.confPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		c.Log.Level = a.logLevel
	}
	a.conf = c
	a.log, err = newLogger(c.Log)
	return err
}

func newLogger(c config.Log) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if c.JSON {
		cfg = zap.NewProductionConfig()
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

func (a *app) root() *cobra.Command {
	root := &cobra.Command{
		Use:   "delayscan",
		Short: "delayscan steps an optical delay stage and records lock-in or spectrometer readings",
		Long: `delayscan steps an optical delay stage and records lock-in or spectrometer
readings at each position, converting stage displacement to optical delay.

The path factor (one-way or round-trip) and the peak policy
(extremal-magnitude or maximum-value) have no defaults; set scan.pathFactor
and scan.peakPolicy in the configuration before the first scan.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVar(&a.confPath, "config", config.FileName, "configuration file")
	root.PersistentFlags().BoolVar(&a.mock, "mock", false, "run against simulated devices")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		a.lockinCmd(false),
		a.lockinCmd(true),
		a.spectralCmd(),
		a.sweepCmd(),
		a.serveCmd(),
		a.portsCmd(),
		a.usbCmd(),
		a.historyCmd(),
		a.mkconfCmd(),
		a.confCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "delayscan version %v\n", Version)
			},
		},
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		// the first interrupt unwinds the scan; a second one kills the process
		<-ctx.Done()
		stop()
	}()
	a := &app{}
	err := a.root().ExecuteContext(ctx)
	stop()
	if a.log != nil {
		a.log.Sync()
	}
	if err != nil {
		os.Exit(1)
	}
}
