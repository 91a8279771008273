package main

import (
	"fmt"
	"os"

	"github.com/RuthlessXdream/anime-image-upscaler-api/cmd/upscalectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
