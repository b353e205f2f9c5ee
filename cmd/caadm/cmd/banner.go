package cmd

import (
	"fmt"
	"io"
)

const banner = `
                          _
   ___  __ _  __ _  __| |_ __ ___
  / __|/ _` + "`" + ` |/ _` + "`" + ` |/ _` + "`" + ` | '_ ` + "`" + ` _ \
 | (__| (_| | (_| | (_| | | | | | |
  \___|\__,_|\__,_|\__,_|_| |_| |_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Puppet CA maintenance - Version %s\x1b[0m\n\n", Version)
}
