package main

import "github.com/devicelab-dev/appium-runner/pkg/cli"

func main() {
	cli.Execute()
}
