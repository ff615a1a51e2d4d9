package main

import "task2vec/internal/cli"

func main() {
	cli.Execute()
}
