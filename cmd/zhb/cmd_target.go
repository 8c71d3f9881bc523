package main

import (
	"context"
	"fmt"

	"zhb/internal/device"
	"zhb/internal/input"
	"zhb/internal/target"
)

// runTestNAS proves the configured NAS target end to end: network probe,
// real mount, write test. A reachable host with an unwritable share is a
// failure.
func runTestNAS(ctx context.Context, configPath string) error {
	p := input.New()
	cfg, err := loadConfig(ctx, configPath, p, true)
	if err != nil {
		return err
	}
	defer cfg.Scrub()

	if !cfg.NAS.Configured() {
		return fmt.Errorf("no NAS credentials configured; run 'zhb setup'")
	}

	fmt.Printf("Probing %s...\n", cfg.NAS.Host)
	if err := target.ProbeNetwork(ctx, cfg.NAS.Host, networkProbeTimeout); err != nil {
		return err
	}

	fmt.Printf("Mounting %s and testing write access...\n", cfg.NAS.Source())
	if err := target.MountAndTestWrite(ctx, cfg.NAS, nasMountPoint); err != nil {
		return err
	}

	fmt.Printf("NAS target OK: %s is reachable and writable.\n", cfg.NAS.Source())
	return nil
}

func runDevices(ctx context.Context) error {
	ins := device.NewInspector()
	devices, err := ins.ListBlockDevices(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%-12s  %9s  %-6s  %-5s  %-20s  %s\n", "PATH", "SIZE", "TYPE", "TRAN", "MODEL", "MOUNTPOINT")
	var printDevice func(d device.BlockDevice, indent string)
	printDevice = func(d device.BlockDevice, indent string) {
		mount := d.Mountpoint
		if mount == "" && d.FSType != "" {
			mount = "(" + d.FSType + ")"
		}
		fmt.Printf("%-12s  %9s  %-6s  %-5s  %-20s  %s\n",
			indent+d.Path, d.HumanSize(), d.Type, d.Transport, d.Model, mount)
		for _, child := range d.Children {
			printDevice(child, indent+"  ")
		}
	}
	for _, d := range devices {
		printDevice(d, "")
	}
	return nil
}
