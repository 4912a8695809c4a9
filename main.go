/*
Copyright © 2024 Dean
*/
package main

import "distillery/cmd"

func main() {
	cmd.Execute()
}
