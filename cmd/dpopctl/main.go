// dpopctl manages DPoP keys and tokens and sends DPoP-authenticated requests.
package main

import (
	"os"

	"github.com/gobeyondidentity/dpopclient/cmd/dpopctl/cmd"
	"github.com/gobeyondidentity/dpopclient/pkg/clierror"
)

func main() {
	if err := cmd.Execute(); err != nil {
		cliErr := clierror.FromError(err)
		clierror.PrintError(cliErr, cmd.OutputFormat())
		os.Exit(cliErr.ExitCode)
	}
}
