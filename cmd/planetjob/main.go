package main

import (
	"os"

	"github.com/biostar-central/planetjob/cmd/planetjob/commands"
)

func main() {
	os.Exit(commands.Execute())
}
