package main

import "github.com/jfabienke/FluxRipper-sub001/cmd"

func main() {
	cmd.Execute()
}
