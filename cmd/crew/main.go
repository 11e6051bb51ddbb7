// Command crew routes AI work across model backends, runs it on a pool of
// workers, and walks projects through their lifecycle.
package main

func main() {
	Execute()
}
