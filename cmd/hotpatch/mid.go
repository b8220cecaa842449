package main

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/pboyd/hotpatch"
	"github.com/pboyd/hotpatch/internal/native"
	"github.com/spf13/cobra"
)

var midResult int

func init() {
	cmd := &cobra.Command{
		Use:   "mid",
		Short: "Rewrite a register in the middle of native code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMid()
		},
	}
	cmd.Flags().IntVar(&midResult, "result", 1337, "Value the mid hook stores in RAX")
	rootCmd.AddCommand(cmd)
}

func runMid() error {
	if runtime.GOARCH != "amd64" {
		return fmt.Errorf("mid hooks need amd64, not %s", runtime.GOARCH)
	}

	// add rax, 42; ret
	target, err := native.Load([]byte{0x48, 0x83, 0xc0, 0x2a, 0xc3})
	if err != nil {
		return err
	}
	defer target.Free()

	callback, err := native.Load(storeRAX(int32(midResult)))
	if err != nil {
		return err
	}
	defer callback.Free()

	add42 := native.Func[func(int) int](target.Addr())
	printStep("before", add42(value))

	m, err := hotpatch.CreateMid(target.Addr()+4, callback.Addr())
	if err != nil {
		return err
	}
	printStep("hooked", add42(value))
	m.Reset()
	printStep("after", add42(value))
	return nil
}

// storeRAX returns native code for "ctx.RAX = v" where ctx arrives in the
// first argument register.
func storeRAX(v int32) []byte {
	modrm := byte(0x87)
	if runtime.GOOS == "windows" {
		modrm = 0x81
	}
	code := []byte{0x48, 0xc7, modrm, 0, 0, 0, 0, 0, 0, 0, 0, 0xc3}
	binary.LittleEndian.PutUint32(code[3:], uint32(unsafe.Offsetof(hotpatch.Context{}.RAX)))
	binary.LittleEndian.PutUint32(code[7:], uint32(v))
	return code
}
