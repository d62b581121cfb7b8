package main

import "github.com/JakeFAU/novelfetch/cmd"

func main() {
	cmd.Execute()
}
