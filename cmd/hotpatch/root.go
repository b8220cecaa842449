package main

import (
	"fmt"
	"os"

	"github.com/pboyd/hotpatch"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	debug bool
	value int
)

var rootCmd = &cobra.Command{
	Use:   "hotpatch",
	Short: "Demonstrate runtime function hooking",
	Long: `hotpatch installs inline, mid and interface method hooks in its own
process and shows how the hooked code behaves before, during and after each hook.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !debug {
			return
		}
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.DebugLevel)
		hotpatch.SetLogger(l)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log hook activity to stderr")
	rootCmd.PersistentFlags().IntVar(&value, "value", 7, "Input passed to the hooked code")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printStep(step string, got int) {
	fmt.Printf("%-8s %d\n", step+":", got)
}
