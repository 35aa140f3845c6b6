package main

import "github.com/rudransh-shrivastava/ewonic/internal/cli"

func main() {
	cli.ExecuteAir()
}
