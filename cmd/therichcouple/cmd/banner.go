package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _____ _          ___ _    _       ___                 _
 |_   _| |_  ___  | _ (_)__| |_    / __|___ _  _ _ __| |___
   | | | ' \/ -_) |   / / _| ' \  | (__/ _ \ || | '_ \ / -_)
   |_| |_||_\___| |_|_\_\__|_||_|  \___\___/\_,_| .__/_\___|
                                                |_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Household vault - Version %s\x1b[0m\n\n", Version)
}
