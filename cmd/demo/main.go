package main

import (
	"fmt"
	"os"

	"github.com/jizhongqing/dynamorio/pkg/loader"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: demo <client-library.dll> [more.dll ...]")
		os.Exit(1)
	}

	drv := loader.New(loader.Config{
		ClientLibraries: os.Args[1:],
		ExternalDonors:  []string{"ntdll.dll", "kernel32.dll"},
	})

	if err := drv.Init(); err != nil {
		fmt.Println("init failed:", err)
		os.Exit(1)
	}
	defer drv.Shutdown()

	base, err := drv.Load(os.Args[1])
	if err != nil {
		fmt.Println("load failed:", err)
		os.Exit(1)
	}
	fmt.Printf("loaded %s at 0x%X, contains(base)=%v\n", os.Args[1], base, drv.Contains(base))

	drv.ThreadAttach()
	fmt.Println("thread attach dispatched")
	drv.ThreadDetach()
	fmt.Println("thread detach dispatched")

	if ok := drv.Unload(base); !ok {
		fmt.Println("unload reported failure")
	}
	fmt.Printf("contains(base) after unload=%v\n", drv.Contains(base))
}
