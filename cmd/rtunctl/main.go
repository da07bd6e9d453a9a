// rtunctl is a status CLI for rtund and rtunhost: it queries their plain
// HTTP/JSON introspection endpoints.
package main

import "github.com/rtunio/rtun/cmd/rtunctl/commands"

func main() {
	commands.Execute()
}
