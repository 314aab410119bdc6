// Command raito-spv fetches compressed SPV proofs of bitcoin transactions and
// verifies them offline.
package main

func main() {
	Execute()
}
