package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/urfave/cli/v3"

	"vrwkv/internal/checkpoint"
)

func inspectCmd() *cli.Command {
	var (
		path    string
		showCPU bool
	)
	return &cli.Command{
		Name:  "inspect",
		Usage: "Describe a checkpoint or the host CPU",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .safetensors checkpoint",
				Destination: &path,
			},
			&cli.BoolFlag{
				Name:        "cpu",
				Usage:       "print CPU features relevant to the compute kernels",
				Destination: &showCPU,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if showCPU {
				printCPU()
				if path == "" {
					return nil
				}
			}
			if path == "" {
				return fmt.Errorf("nothing to inspect: pass --model or --cpu")
			}
			return printCheckpoint(path)
		},
	}
}

func printCheckpoint(path string) error {
	f, err := checkpoint.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	var total int64
	for _, name := range names {
		info := f.Tensors[name]
		dims := make([]string, len(info.Shape))
		for i, d := range info.Shape {
			dims[i] = fmt.Sprintf("%d", d)
		}
		fmt.Printf("%-48s %-5s [%s]\n", name, info.DType, strings.Join(dims, ", "))
		total += int64(info.Elems())
	}
	fmt.Printf("\n%d tensors, %d parameters\n", len(names), total)
	return nil
}

func printCPU() {
	fmt.Printf("brand:          %s\n", cpuid.CPU.BrandName)
	fmt.Printf("cores:          %d physical, %d logical\n", cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
	fmt.Printf("cache:          L1D=%d L2=%d L3=%d\n", cpuid.CPU.Cache.L1D, cpuid.CPU.Cache.L2, cpuid.CPU.Cache.L3)

	relevant := []cpuid.FeatureID{
		cpuid.SSE42, cpuid.AVX, cpuid.AVX2, cpuid.AVX512F,
		cpuid.FMA3, cpuid.AMXBF16, cpuid.ASIMD,
	}
	var have []string
	for _, f := range relevant {
		if cpuid.CPU.Has(f) {
			have = append(have, f.String())
		}
	}
	fmt.Printf("simd features:  %s\n", strings.Join(have, " "))
}
