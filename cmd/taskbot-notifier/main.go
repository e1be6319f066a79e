package main

import "github.com/CookPiu/Bot/services/notifier/cli"

func main() {
	cli.Execute()
}
