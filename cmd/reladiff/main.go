// ///////////////////////////////////////////////////////////////////////////
//
// # reladiff - efficient diffing of SQL tables, within and across databases
//
// This software is released under the MIT License:
// https://opensource.org/license/MIT
//
// ///////////////////////////////////////////////////////////////////////////

package main

import (
	"os"

	"github.com/erezsh/reladiff/internal/cli"
	"github.com/erezsh/reladiff/pkg/logger"
)

func main() {
	app := cli.SetupCLI()
	if err := app.Run(os.Args); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}
