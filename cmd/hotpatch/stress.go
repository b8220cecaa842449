package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pboyd/hotpatch"
	"github.com/spf13/cobra"
)

var (
	iterations int
	callers    int
)

func init() {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Hook and unhook a function while other goroutines call it",
		Long: `The stress command repeatedly installs and removes an inline hook on a
function that several goroutines call in a tight loop, and counts results that
match neither the original nor the hook.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 100, "Number of hook/unhook cycles")
	cmd.Flags().IntVar(&callers, "callers", 4, "Goroutines calling the hooked function")
	rootCmd.AddCommand(cmd)
}

//go:noinline
func square(x int) int {
	return x * x
}

func negate(x int) int {
	return -x
}

func runStress() error {
	var (
		stop  atomic.Bool
		calls atomic.Int64
		bad   atomic.Int64
		wg    sync.WaitGroup
	)

	want, hooked := square(value), negate(value)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				if r := square(value); r != want && r != hooked {
					bad.Add(1)
				}
				calls.Add(1)
			}
		}()
	}

	start := time.Now()
	var err error
	for i := 0; i < iterations; i++ {
		var h *hotpatch.InlineHook
		h, err = hotpatch.CreateInlineFunc(square, negate)
		if err != nil {
			break
		}
		h.Reset()
	}
	stop.Store(true)
	wg.Wait()

	fmt.Printf("cycles: %d in %v\n", iterations, time.Since(start).Round(time.Millisecond))
	fmt.Printf("calls:  %d\n", calls.Load())
	fmt.Printf("bad:    %d\n", bad.Load())
	if err != nil {
		return err
	}
	if bad.Load() > 0 {
		return fmt.Errorf("%d calls returned a torn result", bad.Load())
	}
	return nil
}
