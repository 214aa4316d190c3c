package cli

import (
	"os"

	"github.com/stepflow/stepflow/cli/server"
	"github.com/stepflow/stepflow/version"

	"gopkg.in/alecthomas/kingpin.v2"
)

// Command parses the command line arguments and then executes a
// subcommand program.
func Command() {
	app := kingpin.New("stepflow", "Execution monitor for step-structured commands")

	server.Register(app)

	kingpin.Version(version.Version)
	kingpin.MustParse(app.Parse(os.Args[1:]))
}
