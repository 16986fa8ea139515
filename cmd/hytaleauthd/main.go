// Package main is the entry point for hytaleauthd.
package main

import (
	"os"

	"github.com/hytaleauth/authd/cmd/hytaleauthd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
