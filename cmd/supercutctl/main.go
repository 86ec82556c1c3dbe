package main

import (
	"github.com/kralicky/supercut/pkg/cli/supercutctl"

	_ "github.com/kralicky/supercut/pkg/logger"
)

func main() {
	supercutctl.Execute()
}
