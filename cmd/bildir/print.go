package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// printStatus prints a status line with a colored symbol.
func printStatus(symbol, msg string, c color.Attribute) {
	colorFn := color.New(c).SprintFunc()
	fmt.Printf("%s %s\n", colorFn(symbol), msg)
}

// joinArgs turns trailing command arguments into one prompt text.
func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
