// Command monitor is a terminal dashboard for a running agentnet server.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"agentnet/internal/api"
)

func main() {
	var (
		addr       = flag.String("addr", "http://localhost:8091", "agentnet server base URL")
		every      = flag.Duration("interval", 2*time.Second, "poll interval")
		embedded   = flag.Bool("embedded", false, "run \"agentnet serve\" alongside the monitor")
		binary     = flag.String("bin", "", "agentnet binary used in embedded mode")
		configPath = flag.String("config", "", "config file for the embedded server")
	)
	flag.Parse()

	if *embedded {
		srv, err := launchServer(*addr, *binary, *configPath)
		if err != nil {
			fail("embedded server: %v", err)
		}
		defer srv.stop()
	}

	client := api.NewClient(*addr, nil)
	if err := awaitReady(client, 30*time.Second); err != nil {
		fail("server not ready at %s: %v", *addr, err)
	}

	m := newMonitor(client, *addr, *every)
	if err := m.run(); err != nil {
		fail("monitor: %v", err)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
