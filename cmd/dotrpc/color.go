package main

import (
	"github.com/fatih/color"
)

func Green(s string) string {
	return color.New(color.FgHiGreen).SprintFunc()(s)
}

func Red(s string) string {
	return color.New(color.FgHiRed).SprintFunc()(s)
}

func Cyan(s string) string {
	return color.New(color.FgHiCyan).SprintFunc()(s)
}
