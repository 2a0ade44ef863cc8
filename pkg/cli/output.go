// Package cli renders command output for the peerdrop front-end.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/peerdrop/peerdrop/pkg/model"
)

// OutputFormat represents the output format type.
type OutputFormat string

const (
	FormatJSON  OutputFormat = "json"
	FormatTable OutputFormat = "table"
	FormatQuiet OutputFormat = "quiet"
)

// OutputWriter handles the different output formats.
type OutputWriter struct {
	format OutputFormat
}

// NewOutputWriter creates a new output writer.
func NewOutputWriter(format OutputFormat) *OutputWriter {
	return &OutputWriter{format: format}
}

// WriteDevices outputs a list of discovered peers.
func (ow *OutputWriter) WriteDevices(devices []*model.Device) error {
	switch ow.format {
	case FormatJSON:
		return ow.writeJSON(devices)
	case FormatQuiet:
		for _, d := range devices {
			fmt.Printf("%s\t%s:%d\n", d.Alias, d.IP, d.Port)
		}
		return nil
	default:
		return ow.writeDevicesTable(devices)
	}
}

func (ow *OutputWriter) writeDevicesTable(devices []*model.Device) error {
	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tADDRESS\tTYPE\tPROTOCOL\tFINGERPRINT")
	for _, d := range devices {
		fp := d.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12] + "..."
		}
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\t%s\n", d.Alias, d.IP, d.Port, d.DeviceType, d.Protocol, fp)
	}
	return w.Flush()
}

func (ow *OutputWriter) writeJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteMessage outputs a simple message.
func (ow *OutputWriter) WriteMessage(message string) {
	if ow.format != FormatQuiet {
		fmt.Println(message)
	}
}

// WriteError outputs an error message to stderr.
func (ow *OutputWriter) WriteError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

// WriteProgress renders a one-line transfer progress update.
func (ow *OutputWriter) WriteProgress(fileName string, done, total int64) {
	if ow.format == FormatQuiet {
		return
	}
	if total > 0 {
		fmt.Printf("\r%s: %d/%d bytes (%.1f%%)", fileName, done, total, float64(done)*100/float64(total))
	} else {
		fmt.Printf("\r%s: %d bytes", fileName, done)
	}
	if done >= total {
		fmt.Println()
	}
}
