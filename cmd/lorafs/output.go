package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

func Cyan(s string) string {
	return color.New(color.FgHiCyan).SprintFunc()(s)
}

func Green(s string) string {
	return color.New(color.FgHiGreen).SprintFunc()(s)
}

func Yellow(s string) string {
	return color.New(color.FgHiYellow).SprintFunc()(s)
}

func Red(s string) string {
	return color.New(color.FgHiRed).SprintFunc()(s)
}

func PrintErr(stderr io.Writer, msg string, args ...interface{}) {
	fmt.Fprintf(stderr, msg+"\n", args...)
}

func PrintFatal(stderr io.Writer, msg string, args ...interface{}) {
	PrintErr(stderr, Red(fmt.Sprintf(msg, args...)))
	os.Exit(1)
}

// humanSize renders a byte count as B, KB or MB with up to two decimals.
func humanSize(size int64) string {
	switch {
	case size < 1024:
		return strconv.FormatInt(size, 10) + " B"
	case size < 1024*1024:
		return trimFloat(float64(size)/1024) + " KB"
	default:
		return trimFloat(float64(size)/(1024*1024)) + " MB"
	}
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

// progressLine redraws a single-line percentage indicator.
type progressLine struct {
	w     io.Writer
	label string
	last  int
}

func newProgressLine(w io.Writer, label string) *progressLine {
	return &progressLine{w: w, label: label, last: -1}
}

func (p *progressLine) update(pct int) {
	if pct == p.last {
		return
	}
	p.last = pct
	const width = 30
	filled := pct * width / 100
	fmt.Fprintf(p.w, "\r  %s [%s%s] %3d%%", p.label, strings.Repeat("#", filled), strings.Repeat(".", width-filled), pct)
}

func (p *progressLine) done() {
	if p.last >= 0 {
		fmt.Fprintln(p.w)
	}
}
