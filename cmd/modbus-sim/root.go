package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/modbus-sim"
	"github.com/edgeo-scada/modbus-sim/device"
	"github.com/edgeo-scada/modbus-sim/internal/config"
)

var (
	cfgFile string

	// Global flags
	outputFmt string
	verbose   bool
	noColor   bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbus-sim",
	Short: "Modbus TCP device emulator",
	Long: `modbus-sim emulates Modbus TCP field devices for development and integration testing.

Every *.json document in the device directory describes one device: its port,
word order, units and data points. Each enabled device gets its own listener.

Examples:
  # Serve every device in ./devices with the HTTP API on :8080
  modbus-sim serve -d ./devices

  # Check a directory of device documents without opening any port
  modbus-sim validate ./devices

  # Print the register layout of one device
  modbus-sim show ./devices/pump.json`,
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		cfg = c
		logger = newLogger(c.Log, verbose)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())

	// Configuration file
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.modbus-sim.yaml)")

	rootCmd.PersistentFlags().StringP("dir", "d", "./devices", "device document directory")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text, json")

	// Output flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")

	// Bind to viper
	viper.BindPFlag("devices.dir", rootCmd.PersistentFlags().Lookup("dir"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Add commands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(showCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".modbus-sim")
		viper.SetConfigType("yaml")
	}

	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	} else if cfgFile != "" {
		fmt.Fprintln(os.Stderr, "Cannot read config file:", err)
	}
}

func newLogger(lc config.LogConfig, verbose bool) *slog.Logger {
	level, _ := lc.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if lc.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

// deviceOptions maps the configuration onto options shared by every device.
func deviceOptions(c *config.Config) []device.Option {
	return []device.Option{
		device.WithLogger(logger),
		device.WithStartTimeout(c.Devices.StartTimeout),
		device.WithSimulationInterval(c.Simulation.Interval),
		device.WithLogCapacity(c.Devices.LogCapacity),
		device.WithListenHost(c.Devices.ListenHost),
		device.WithServerOptions(
			modbus.WithMaxConnections(c.Devices.MaxConnections),
			modbus.WithIdleTimeout(c.Devices.IdleTimeout),
		),
	}
}
