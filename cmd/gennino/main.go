// Command gennino describes images with an on-device vision model.
package main

import "github.com/gennino/gennino/internal/cli"

func main() {
	cli.Execute()
}
