// leadqual runs the lead qualification conversation service.
package main

func main() {
	Execute()
}
