package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v2"

	"github.com/edgeo-scada/modbus-sim/device"
)

// Color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorGreen, "OK") + " " + msg)
}

func outputError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorRed, "ERROR")+" "+msg)
}

func outputInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorCyan, "INFO") + " " + msg)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

// printDeviceTable prints the device header and one row per data point with
// the registers it currently serves.
func printDeviceTable(d *device.Device) {
	name, vendor, description := d.Info()
	fmt.Printf("\n%s %s\n", color(colorBold, name), color(colorYellow, "("+d.ID()+")"))
	if vendor != "" {
		fmt.Printf("Vendor:      %s\n", vendor)
	}
	if description != "" {
		fmt.Printf("Description: %s\n", description)
	}
	fmt.Printf("Port:        %d\n", d.Port())
	fmt.Printf("Endian:      %s\n", d.Endian())
	fmt.Printf("Enabled:     %v\n", d.Enabled())

	for _, u := range d.Units() {
		fmt.Printf("\n%s\n", color(colorBold, fmt.Sprintf("Unit %d", u.ID())))
		fmt.Println(strings.Repeat("-", 72))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAREAS\tADDRESS\tTYPE\tACCESS\tVALUE\tREGISTERS\tSIM")
		fmt.Fprintln(w, "--\t-----\t-------\t----\t------\t-----\t---------\t---")
		for _, dp := range u.DataPoints() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				dp.ID(),
				formatAreas(dp.Areas()),
				formatRange(dp),
				dp.Type(),
				dp.AccessMode(),
				formatValue(dp),
				formatRegisters(device.Registers(dp.Value(), dp.Length(), d.Endian())),
				formatSimulation(dp))
		}
		w.Flush()
	}
	fmt.Println()
}

func formatAreas(areas []device.DataArea) string {
	names := make([]string, len(areas))
	for i, a := range areas {
		names[i] = a.String()
	}
	return strings.Join(names, ",")
}

func formatRange(dp *device.DataPoint) string {
	if dp.Length() == 1 {
		return fmt.Sprintf("%d", dp.Address())
	}
	return fmt.Sprintf("%d-%d", dp.Address(), dp.EndAddress())
}

func formatValue(dp *device.DataPoint) string {
	v := dp.Value().String()
	if dp.Type() == device.ASCII {
		v = fmt.Sprintf("%q", v)
	}
	if label := dp.UnitLabel(); label != "" {
		v += " " + label
	}
	return v
}

func formatRegisters(regs []uint16) string {
	parts := make([]string, len(regs))
	for i, r := range regs {
		parts[i] = fmt.Sprintf("%04X", r)
	}
	return strings.Join(parts, " ")
}

func formatSimulation(dp *device.DataPoint) string {
	if dp.SimulationEnabled() {
		return color(colorGreen, "on")
	}
	return "-"
}
