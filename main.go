package main

import "github.com/3leaps/stashd/internal/cmd"

func main() {
	cmd.Execute()
}
