// Command firewatch はセッション管理APIサーバーを起動する。
//
//	firewatch [serve|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/firewatch/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "firewatch: %v\n", err)
		os.Exit(1)
	}
}
