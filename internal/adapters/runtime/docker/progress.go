package docker

import (
	"regexp"
	"strconv"
	"strings"
)

// Stage scripts report through plain-text markers on stdout:
//
//	forged:progress=0.42
//	forged:artifact=artifact://os-main/sdk_bundle/req-abc
//
// Anything else is ordinary build output.

var progressRe = regexp.MustCompile(`forged:progress=([0-9]*\.?[0-9]+)`)

const artifactMarker = "forged:artifact="

func parseProgress(line string) (float64, bool) {
	if !strings.Contains(line, "forged:progress=") {
		return 0, false
	}
	matches := progressRe.FindStringSubmatch(line)
	if len(matches) > 1 {
		if v, err := strconv.ParseFloat(matches[1], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func parseArtifact(line string) (string, bool) {
	idx := strings.Index(line, artifactMarker)
	if idx < 0 {
		return "", false
	}
	uri := strings.TrimSpace(line[idx+len(artifactMarker):])
	if uri == "" {
		return "", false
	}
	return uri, true
}

func splitLines(chunk string) []string {
	return strings.Split(strings.ReplaceAll(chunk, "\r\n", "\n"), "\n")
}
