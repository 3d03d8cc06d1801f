// fsh — folder-scoped remote shell. Serves selected folders over TCP and
// connects to them with sandboxed shell sessions.
package main

import "github.com/ppiankov/fsh/internal/cli"

func main() {
	cli.Execute()
}
