package main

import "github.com/CookPiu/Bot/services/api/cli"

func main() {
	cli.Execute()
}
