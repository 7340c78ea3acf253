package main

import "github.com/audiolibrelab/audiotrans/cmd"

func main() {
	cmd.Execute()
}
