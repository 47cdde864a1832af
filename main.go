package main

import (
	"os"

	penny "github.com/pennyhq/penny/cmd/penny"
)

func main() {
	os.Exit(penny.Execute())
}
