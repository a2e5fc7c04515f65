// Command conductor turns natural-language requests into validated,
// verified tool invocations across a set of local tool servers.
package main

func main() {
	Execute()
}
