package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/gwillem/mechctl/pkg/robot"
)

// Environment holds settings read from MECHCTL_* variables. Flags override
// them.
type Environment struct {
	Config   string `env:"MECHCTL_CONFIG" envDefault:"mechctl.yaml"`
	LogLevel string `env:"MECHCTL_LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"MECHCTL_LOG_JSON"`
}

type Options struct {
	Config  string `short:"c" long:"config" value-name:"FILE" description:"Robot configuration file (env MECHCTL_CONFIG)"`
	Verbose bool   `short:"v" long:"verbose" description:"Log at debug level"`

	Setup SetupCommand `command:"setup" description:"Scan serial ports for servos and assign them to actuators"`
	List  ListCommand  `command:"list" alias:"ls" description:"List configured actuators and maneuvers"`
	Run   RunCommand   `command:"run" description:"Run a maneuver"`
	Zero  ZeroCommand  `command:"zero" description:"Zero an actuator's sensors"`
}

var (
	environ Environment
	opts    Options
	parser  = flags.NewParser(&opts, flags.Default)
)

func main() {
	var err error
	environ, err = env.ParseAs[Environment]()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading environment: %v\n", err)
		os.Exit(1)
	}
	opts.Config = environ.Config

	parser.LongDescription = "mechctl - actuator control and maneuver sequencing for mechanisms"

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// loadRobotConfig loads the configuration named by --config.
func loadRobotConfig() (*robot.Config, error) {
	if !robot.ConfigExists(opts.Config) {
		return nil, fmt.Errorf("no configuration at %s, run 'mechctl setup' first", opts.Config)
	}
	return robot.LoadConfigFrom(opts.Config)
}

// stderrLogger returns the logger for commands without a TUI.
func stderrLogger() (*zap.Logger, error) {
	return newLogger(environ, opts.Verbose, os.Stderr)
}
