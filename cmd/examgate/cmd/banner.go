package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _____                       ____       _       
 | ____|_  ____ _ _ __ ___   / ___| __ _| |_ ___ 
 |  _| \ \/ / _` + "`" + ` | '_ ` + "`" + ` _ \ | |  _ / _` + "`" + ` | __/ _ \
 | |___ >  < (_| | | | | | || |_| | (_| | ||  __/
 |_____/_/\_\__,_|_| |_| |_| \____|\__,_|\__\___|
                                                 
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Gated Access Token Service - Version %s\x1b[0m\n\n", Version)
}
