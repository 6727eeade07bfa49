// Package jsonutil prints structs as colored key/value lines for the command line tool.
package jsonutil

import (
	"bytes"
	"sort"
	"strings"

	"github.com/fatih/structs"
	"github.com/hokaccha/go-prettyjson"
)

var formatter *prettyjson.Formatter

func init() {
	formatter = prettyjson.NewFormatter()
	formatter.Indent = 0
	formatter.Newline = ""
}

// MarshalCompactPretty formats each exported field of struct v on its own line as "name: value",
// with the value in compact colored JSON. Lines are sorted by name.
// Names are taken from json tags when present. Fields tagged with "-" are skipped and errors are printed as strings.
func MarshalCompactPretty(v any) ([]byte, error) {
	type line struct {
		name  string
		value any
	}
	var lines []line
	for _, f := range structs.Fields(v) {
		if !f.IsExported() {
			continue
		}
		name := f.Name()
		if tag := f.Tag("json"); tag != "" {
			tagName := strings.Split(tag, ",")[0]
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		val := f.Value()
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		lines = append(lines, line{name, val})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].name < lines[j].name })

	var buf bytes.Buffer
	for _, l := range lines {
		b, err := formatter.Marshal(l.value)
		if err != nil {
			return nil, err
		}
		buf.WriteString(l.name)
		buf.WriteString(": ")
		buf.Write(b)
		buf.WriteRune('\n')
	}
	return buf.Bytes(), nil
}
