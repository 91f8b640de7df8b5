// Command catalog-ingest crawls a paginated catalog into gzip NDJSON.
package main

import (
	"github.com/JakeFAU/catalog-ingest/cmd"
)

func main() {
	cmd.Execute()
}
