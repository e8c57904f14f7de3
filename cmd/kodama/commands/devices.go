package commands

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/Kodama/internal/config"
	"github.com/shizukutanaka/Kodama/internal/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Show detected host hardware and configured work devices",
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	host := device.Detect()
	fmt.Printf("CPU:            %s\n", host.CPUBrand)
	fmt.Printf("Vendor:         %s\n", host.VendorID)
	fmt.Printf("Cores:          %d physical, %d logical\n", host.PhysicalCores, host.LogicalCores)
	fmt.Printf("Memory:         %s\n", humanize.IBytes(host.TotalMemoryMB*(1<<20)))
	if len(host.Features) > 0 {
		fmt.Printf("Features:       %s\n", strings.Join(host.Features, ", "))
	}

	fmt.Println("\nConfigured work devices:")
	for i, d := range cfg.Devices {
		fmt.Printf("  %d: %s index %d\n", i, d.Type, d.Index)
	}
	return nil
}
