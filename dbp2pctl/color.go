package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	colorHeader = "\033[95m"
	colorBlue = "\033[94m"
	colorGreen = "\033[92m"
	colorYellow = "\033[93m"
	colorRed = "\033[91m"
	colorEnd = "\033[0m"
)

// colors are only written to a terminal
type palette struct {
	enabled bool
}

func newPalette() *palette {
	return &palette{
		enabled: term.IsTerminal(int(os.Stdout.Fd())),
	}
}

func (self *palette) Sprintf(color string, format string, a ...any) string {
	m := fmt.Sprintf(format, a...)
	if !self.enabled {
		return m
	}
	return fmt.Sprintf("%s%s%s", color, m, colorEnd)
}

func joinRoles(roles []string) string {
	if len(roles) == 0 {
		return "none"
	}
	return strings.Join(roles, ", ")
}
