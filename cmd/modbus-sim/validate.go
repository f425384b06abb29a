package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-sim/device"
)

var validateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Load every device document without opening any port",
	Long: `Load every *.json document of a directory, report each outcome and exit
non-zero when at least one document is invalid.

Examples:
  modbus-sim validate
  modbus-sim validate ./devices -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

type validationReport struct {
	Dir      string   `json:"dir" yaml:"dir"`
	Devices  []string `json:"devices" yaml:"devices"`
	Messages []string `json:"messages" yaml:"messages"`
	Errors   int      `json:"errors" yaml:"errors"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	dir := cfg.Devices.Dir
	if len(args) == 1 {
		dir = args[0]
	}

	ctx := context.Background()
	m := device.NewManager(dir, deviceOptions(cfg)...)
	messages := m.LoadDevices(ctx, false)
	defer m.Close(ctx)

	report := validationReport{Dir: dir, Devices: m.Names(), Messages: messages}
	for _, msg := range messages {
		if isErrorMessage(msg) {
			report.Errors++
		}
	}

	switch outputFmt {
	case "json":
		if err := printJSON(report); err != nil {
			return err
		}
	case "yaml":
		if err := printYAML(report); err != nil {
			return err
		}
	default:
		printLoadMessages(messages)
		outputInfo("%d devices loaded from %s", len(report.Devices), dir)
	}

	if report.Errors > 0 {
		return fmt.Errorf("%d invalid documents in %s", report.Errors, dir)
	}
	return nil
}

func isErrorMessage(msg string) bool {
	return strings.HasPrefix(msg, "error:")
}

func printLoadMessages(messages []string) {
	for _, msg := range messages {
		if isErrorMessage(msg) {
			outputError("%s", strings.TrimSpace(strings.TrimPrefix(msg, "error:")))
		} else {
			outputSuccess("%s", msg)
		}
	}
}
