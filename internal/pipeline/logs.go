package pipeline

import (
	"bufio"
	"log/slog"
	"regexp"
	"strings"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// LogOutput writes each meaningful line of output to the log under step.
func LogOutput(step, output string) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := cleanLogLine(scanner.Text()); line != "" {
			slog.Info("Step output", "step", step, "line", line)
		}
	}
}

// cleanLogLine strips stream headers, ANSI escapes and control characters.
// Lines that are mostly binary are dropped.
func cleanLogLine(line string) string {
	if len(line) == 0 {
		return ""
	}

	// Multiplexed stream frames start with an 8-byte header.
	if len(line) >= 8 && (line[0] == 1 || line[0] == 2) && line[1] == 0 && line[2] == 0 && line[3] == 0 {
		line = line[8:]
	}

	line = ansiRegex.ReplaceAllString(line, "")
	line = strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' {
			return -1
		}
		return r
	}, line)
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return ""
	}

	printable := 0
	total := 0
	for _, r := range line {
		total++
		if r >= 32 && r != 0xFFFD {
			printable++
		}
	}
	if float64(printable)/float64(total) < 0.5 {
		return ""
	}

	return line
}
