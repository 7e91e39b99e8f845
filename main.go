package main

import (
	"math/rand"
	"runtime"
	"time"

	"github.com/oofteerapud02/blynk-server/cmd"
)

func main() {
	rand.Seed(time.Now().UnixNano())

	// A relay spends most of its time blocked on thousands of sockets.
	// Allowing more Ps lets the runtime schedule the extra netpoll work
	// without starving the session fan-out goroutines.
	runtime.GOMAXPROCS(128)

	cmd.Execute()
}
