package main

import (
	"github.com/kralicky/supercut/pkg/cli/supercut"

	_ "github.com/kralicky/supercut/pkg/logger"
)

func main() {
	supercut.Execute()
}
