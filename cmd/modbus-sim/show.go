package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-sim/device"
)

var showCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Print a device document and its register layout",
	Long: `Parse and validate one device document, then print it.

The table format lists each data point with the registers it serves at its
default value, in the device's word order.

Examples:
  modbus-sim show ./devices/pump.json
  modbus-sim show ./devices/pump.json -o yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	spec, err := device.ParseDeviceSpec(data)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	d, err := device.NewDevice(*spec, device.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	switch outputFmt {
	case "json":
		return printJSON(d.Spec())
	case "yaml":
		return printYAML(d.Spec())
	default:
		printDeviceTable(d)
		return nil
	}
}
