// Montana - terminal chat client
package main

import "github.com/ashureev/montana-relay/internal/cli"

func main() {
	cli.Execute()
}
