package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "dicomgw.ini"

// Config is the top-level configuration object of the gateway.
var Config = new(GatewayConfig)

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the DICOM routing gateway", `
Serve the gateway with the provided configuration, until signaled to exit
(via SIGTERM): the storage SCP, the routing coordinator, and the admin
catalog API.
`, &cmdServe{})

	_, _ = parser.AddCommand("check", "Validate a gateway installation", `
Open the catalog, compile every trigger pattern, and verify the storage
roots and TLS trust root, without serving. Exits non-zero if any check
fails.
`, &cmdCheck{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
