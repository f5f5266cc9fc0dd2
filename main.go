/*
	Copyright 2026 Markus Papenbrock
*/

package main

import "github.com/mpapenbr/tirewatch-backend-go/cmd"

func main() {
	cmd.Execute()
}
