package models

import "strings"

// DefaultOutputFilename is used when neither the server nor the user names the artifact.
const DefaultOutputFilename = "questions.docx"

// SafeFilename strips path separators and surrounding whitespace so a
// server-supplied name cannot escape the download directory.
// Returns an empty string when nothing usable remains.
func SafeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}
	return name
}

// OutputName picks the artifact file name: the server's name first, then the
// user-supplied one, then DefaultOutputFilename.
func OutputName(result JobResult, requested string) string {
	if n := SafeFilename(result.OutputFilename); n != "" {
		return n
	}
	if n := SafeFilename(requested); n != "" {
		return n
	}
	return DefaultOutputFilename
}
