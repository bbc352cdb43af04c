package main

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/metrics"
	"github.com/urfave/cli/v3"
)

func memoryCmd() *cli.Command {
	var devName string

	return &cli.Command{
		Name:  "memory",
		Usage: "Report free and total memory on a device",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "device",
				Aliases:     []string{"d"},
				Usage:       "device (cpu, cuda[:N], metal[:N]); defaults to the configured device",
				Destination: &devName,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if devName == "" {
				devName = appConfig.Device
			}
			dev, err := device.Parse(devName)
			if err != nil {
				return err
			}

			mem := device.NewMemoryUsage()
			avail, err := mem.AvailableBytes(dev)
			if err != nil {
				return err
			}
			total, err := mem.TotalBytes(dev)
			if err != nil {
				return err
			}
			metrics.RecordDeviceMemoryAvailable(dev.String(), avail)
			metrics.RecordDeviceMemoryTotal(dev.String(), total)

			fmt.Printf("device:    %s\n", dev)
			fmt.Printf("available: %s\n", formatBytes(avail))
			fmt.Printf("total:     %s\n", formatBytes(total))
			return nil
		},
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
