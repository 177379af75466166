package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	_ "time/tzdata"
)

func main() {
	// secrets may live in .env next to the binary; a missing file is fine
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
