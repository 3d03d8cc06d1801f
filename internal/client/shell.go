package client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
)

// Shell runs the interactive loop: read a line, run it remotely, stream the
// output. cd and exit are handled locally because they change client state
// rather than spawning a process. SIGINT cancels the in-flight command
// instead of killing the client.
func Shell(c *Client, in io.Reader, out, errOut io.Writer) error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, c.Prompt())
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "exit", "quit":
			return nil
		case "cd":
			target := "."
			if len(fields) > 1 {
				target = fields[1]
			}
			if _, err := c.ChangeDir(target); err != nil {
				fmt.Fprintf(errOut, "cd: %v\n", err)
			}
			continue
		}

		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-interrupt:
					_ = c.Cancel()
				case <-done:
					return
				}
			}
		}()

		exit, err := c.Run(fields[0], fields[1:], func(stream string, data []byte) {
			if stream == "stderr" {
				errOut.Write(data)
			} else {
				out.Write(data)
			}
		})
		close(done)

		if err != nil {
			fmt.Fprintf(errOut, "fsh: %v\n", err)
			continue
		}
		if exit != 0 {
			fmt.Fprintf(errOut, "exit %d\n", exit)
		}
	}
}
