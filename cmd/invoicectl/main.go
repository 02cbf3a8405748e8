// Command invoicectl runs the invoice pipeline from the command line.
package main

func main() {
	Execute()
}
