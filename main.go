package main

import "metricsink/cmd"

func main() {
	cmd.Execute()
}
