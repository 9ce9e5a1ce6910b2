package main

import (
	"os"

	"github.com/nuetzliches/sbinspect/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
