// Command wipirun loads a KTF client.bin image, boots the JVM bridge
// over it, and runs an application entry point under emulation.
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/arch/arm/armasm"

	"github.com/kwipi/wipi-ktf/internal/bootstrap"
	"github.com/kwipi/wipi-ktf/internal/core"
	glog "github.com/kwipi/wipi-ktf/internal/log"
)

var (
	verbose      bool
	quiet        bool
	entryFlag    string
	budgetFlag   uint32
	classesFlag  string
	vendorEntry  string
	bssSizeFlag  uint32
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wipirun",
		Short: "Run and inspect KTF client.bin images under ARM/JVM bridge emulation",
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress informational output")

	runCmd := &cobra.Command{
		Use:   "run <client.bin> <entry-offset-hex>",
		Short: "Load client.bin and call into an entry point",
		Args:  cobra.ExactArgs(2),
		RunE:  runRun,
	}
	runCmd.Flags().Uint32Var(&budgetFlag, "budget", core.DefaultRunBudget, "engine instruction step budget")
	runCmd.Flags().StringVar(&classesFlag, "classes", "", "YAML class catalog to register before running the entry point")
	runCmd.Flags().StringVar(&vendorEntry, "vendor-entry", "", "offset into the image of client.bin's module entry point (hex); when set, runs the vendor init handshake before calling the application entry")
	runCmd.Flags().Uint32Var(&bssSizeFlag, "bss-size", 0, "bss size to pass the vendor module entry point, used with --vendor-entry")
	rootCmd.AddCommand(runCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect <client.bin>",
		Short: "Disassemble the first instructions of a client.bin image",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	inspectCmd.Flags().StringVar(&entryFlag, "entry", "0", "offset into the image to start disassembling, hex")
	rootCmd.AddCommand(inspectCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	glog.Init(verbose)
	log := glog.L.Logger

	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	var entryOffset uint32
	if _, err := fmt.Sscanf(args[1], "%x", &entryOffset); err != nil {
		return fmt.Errorf("parse entry offset: %w", err)
	}

	b, err := bootstrap.New(image, log)
	if err != nil {
		return err
	}
	defer b.Close()
	b.Core.SetRunBudget(budgetFlag)

	if _, err := b.InstallNativeABI(); err != nil {
		return fmt.Errorf("install native abi: %w", err)
	}
	if _, err := b.RegisterObjectClass(); err != nil {
		return fmt.Errorf("register object class: %w", err)
	}

	if classesFlag != "" {
		catalog, err := os.ReadFile(classesFlag)
		if err != nil {
			return fmt.Errorf("read class catalog: %w", err)
		}
		if _, err := b.RegisterClassCatalog(catalog); err != nil {
			return fmt.Errorf("register class catalog: %w", err)
		}
	}

	if vendorEntry != "" {
		var vendorOffset uint32
		if _, err := fmt.Sscanf(vendorEntry, "%x", &vendorOffset); err != nil {
			return fmt.Errorf("parse --vendor-entry: %w", err)
		}
		info, err := b.VendorHandshake(core.ImageBase+vendorOffset, bssSizeFlag)
		if err != nil {
			return fmt.Errorf("vendor init handshake: %w", err)
		}
		if !quiet {
			fmt.Printf("vendor handshake ok: fn_init=%#08x fn_get_class=%#08x\n", info.FnInit, info.FnGetClass)
		}
	}

	entry := core.ImageBase + entryOffset
	result, err := b.Run(entry|1, nil) // |1 marks THUMB entry, the common case for client.bin
	if err != nil {
		return fmt.Errorf("run entry point: %w", err)
	}

	if err := b.Scheduler().Drain(cmd.Context()); err != nil && !quiet {
		fmt.Fprintf(os.Stderr, "scheduler drain: %v\n", err)
	}

	if !quiet {
		fmt.Printf("entry %#08x returned %#08x\n", entry, result)
	}
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	var offset uint32
	if _, err := fmt.Sscanf(entryFlag, "%x", &offset); err != nil {
		return fmt.Errorf("parse --entry: %w", err)
	}

	fmt.Printf("image: %s (%d bytes)\n", args[0], len(image))
	fmt.Printf("base:  %#08x\n", core.ImageBase)
	fmt.Println()

	mode := armasm.ModeThumb
	pc := offset
	for i := 0; i < 64 && int(pc)+4 <= len(image); i++ {
		inst, err := armasm.Decode(image[pc:minInt(int(pc)+4, len(image))], mode)
		if err != nil {
			fmt.Printf("%#08x  %02x%02x  <decode error: %v>\n", core.ImageBase+pc, image[pc], image[pc+1], err)
			pc += 2
			continue
		}
		var raw uint32
		if inst.Len == 4 {
			raw = binary.LittleEndian.Uint32(image[pc:])
		} else {
			raw = uint32(binary.LittleEndian.Uint16(image[pc:]))
		}
		fmt.Printf("%#08x  %0*x  %s\n", core.ImageBase+pc, inst.Len*2, raw, inst.String())
		pc += uint32(inst.Len)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
