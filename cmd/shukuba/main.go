// The shukuba command runs the processes of a hierarchically deployed
// federated run: the server, the middle-tier schedulers, and the leaf
// clients. Every subcommand reads the same deployment manifest and plays
// the role the manifest and flags assign to it.
package main

func main() {
	Execute()
}
