package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatreplay/cmd/chatreplay/cmds"
)

func main() {
	rootCmd, err := cmds.NewRootCommand()
	if err != nil {
		log.Fatal().Err(err).Msg("could not build root command")
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
