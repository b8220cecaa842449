package main

import (
	"fmt"

	"github.com/pboyd/hotpatch"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "vmt",
		Short: "Replace an interface method for one value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVmt()
		},
	})
}

type counter interface {
	Count() int
	Name() string
}

type doubler struct{ n int }

func (d *doubler) Count() int   { return d.n * 2 }
func (d *doubler) Name() string { return "doubler" }

//go:noinline
func newCounter(n int) counter {
	return &doubler{n: n}
}

var countHook *hotpatch.VmHook

func negatedCount(d *doubler) int {
	return -hotpatch.OriginalMethod[func(*doubler) int](countHook)(d)
}

func runVmt() error {
	hooked := newCounter(value)
	plain := newCounter(value)
	printStep("before", hooked.Count())

	h, err := hotpatch.CreateVmt(&hooked)
	if err != nil {
		return err
	}
	defer h.Reset()

	countHook, err = h.HookMethodByName("Count", negatedCount)
	if err != nil {
		return err
	}

	printStep("hooked", hooked.Count())
	printStep("plain", plain.Count())
	if _, ok := any(hooked).(*doubler); ok {
		fmt.Printf("%-8s %s\n", "type:", hooked.Name())
	}

	countHook.Reset()
	printStep("after", hooked.Count())
	return nil
}
