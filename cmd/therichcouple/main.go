package main

import "github.com/thegreatlucas/therichcouple-sub000/cmd/therichcouple/cmd"

func main() {
	cmd.Execute()
}
