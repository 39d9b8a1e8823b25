package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/quic-interop/quic-interop-runner/internal/config"
	"github.com/quic-interop/quic-interop-runner/internal/testcase"
)

// RunList prints the registered test cases and measurements, and the
// implementations of the catalog at catalogPath when it can be read.
func RunList(w io.Writer, catalogPath string) error {
	reg := testcase.Default()
	fmt.Fprintf(w, "Test cases:\n")
	for _, tc := range reg.Tests() {
		fmt.Fprintf(w, "  %-4s %-22s %s\n", tc.Abbreviation, tc.Name, tc.Description)
	}
	fmt.Fprintf(w, "\nMeasurements:\n")
	for _, tc := range reg.Measurements() {
		fmt.Fprintf(w, "  %-4s %-22s %s (%d repetitions)\n", tc.Abbreviation, tc.Name, tc.Description, tc.Repetitions())
	}

	if catalogPath == "" {
		catalogPath = DefaultCatalog
	}
	catalog, err := config.LoadCatalog(catalogPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nImplementations (%s):\n", catalogPath)
	for _, impl := range catalog.All() {
		line := fmt.Sprintf("  %-15s %-7s %s", impl.Name, impl.Role, impl.Image)
		if len(impl.Tags) > 0 {
			line += " [" + strings.Join(impl.Tags, ",") + "]"
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
