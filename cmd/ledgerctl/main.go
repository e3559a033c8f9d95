// Command ledgerctl is the operator CLI for auditing and repairing cached
// balances.
package main

func main() {
	Execute()
}
