package main

import "github.com/CookPiu/Bot/services/sweeper/cli"

func main() {
	cli.Execute()
}
