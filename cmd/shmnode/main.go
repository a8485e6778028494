// Command shmnode exports demo nodes through the remote-node bridge, drives
// them from an in-process loopback peer, and serves metrics and health.
package main

func main() {
	Execute()
}
