// Command driftsync runs the sync engine: the reference backend, the
// client sync loop, the first-run bulk upload, and schema migrations.
package main

import "github.com/halcyon-interactive/driftsync/internal/cli"

func main() {
	cli.Execute()
}
