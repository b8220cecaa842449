package main

import (
	"github.com/pboyd/hotpatch"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "inline",
		Short: "Hook a Go function and call through to the original",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInline()
		},
	})
}

//go:noinline
func triple(x int) int {
	return x * 3
}

var tripleHook hotpatch.InlineHook

func tripleAndAdd(x int) int {
	var r int
	hotpatch.Call(&tripleHook, func(orig func(int) int) {
		r = orig(x)
	})
	return r + 100
}

func runInline() error {
	printStep("before", triple(value))

	h, err := hotpatch.CreateInlineFunc(triple, tripleAndAdd)
	if err != nil {
		return err
	}
	tripleHook.Assign(h)

	printStep("hooked", triple(value))
	tripleHook.Reset()
	printStep("after", triple(value))
	return nil
}
