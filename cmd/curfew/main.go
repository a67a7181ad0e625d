// Curfew - stops EC2 instances that have run too long, after warning
// their owners on Slack.
package main

func main() {
	Execute()
}
