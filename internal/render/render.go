// Package render formalises the TaskFile reference grammar used in
// command templates with a small regex-free scanner. Parse turns a pcmd
// into tokens; the tokens are not cached, so the Controller parses a
// Task's pcmd again each time it renders it (every dispatch, retries
// included).
//
// Grammar: a reference is the literal form #F[<id>:<name>:<path>]; id is
// either a persisted TaskFile row id or the synthetic placeholder
// "t_<n>" used before bulk_save_task_files has assigned real ids.
package render

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/egafni/cosmos/internal/cosmoserr"
)

// Token is one segment of a parsed pcmd: either literal text or a parsed
// file reference.
type Token struct {
	Literal string
	IsRef   bool
	RefID   string // the id portion of #F[id:name:path], before resolution
	RefName string
	RefPath string // the path portion as written in the template, if any
}

const (
	open  = "#F["
	close = "]"
)

// Parse scans pcmd once and returns its literal/reference token sequence.
// Malformed references (missing the trailing "]", or fewer than three
// colon-separated fields) are a fatal WorkflowError -- a malformed
// template is an internal-configuration error, not a transient one.
func Parse(pcmd string) ([]Token, error) {
	var tokens []Token
	rest := pcmd
	for {
		i := strings.Index(rest, open)
		if i < 0 {
			if rest != "" {
				tokens = append(tokens, Token{Literal: rest})
			}
			break
		}
		if i > 0 {
			tokens = append(tokens, Token{Literal: rest[:i]})
		}
		body := rest[i+len(open):]
		j := strings.Index(body, close)
		if j < 0 {
			return nil, cosmoserr.NewWorkflow("unterminated_file_ref", fmt.Errorf("unterminated %s reference in pcmd", open))
		}
		fields := strings.SplitN(body[:j], ":", 3)
		if len(fields) != 3 {
			return nil, cosmoserr.NewWorkflow("malformed_file_ref", fmt.Errorf("malformed #F[] reference %q", body[:j]))
		}
		tokens = append(tokens, Token{IsRef: true, RefID: fields[0], RefName: fields[1], RefPath: fields[2]})
		rest = body[j+len(close):]
	}
	return tokens, nil
}

// Render replaces every reference token with the resolved path the
// resolve callback returns for its RefID. An unresolved reference is a
// fatal error per §4.7.
func Render(tokens []Token, resolve func(refID string) (path string, ok bool)) (string, error) {
	var b strings.Builder
	for _, t := range tokens {
		if !t.IsRef {
			b.WriteString(t.Literal)
			continue
		}
		path, ok := resolve(t.RefID)
		if !ok {
			return "", cosmoserr.NewWorkflow("unresolved_file_ref", fmt.Errorf("unresolved TaskFile reference %q", t.RefID))
		}
		b.WriteString(path)
	}
	return b.String(), nil
}

// SyntheticRef builds the placeholder id a pre-persist TaskFile uses
// until bulk_save_task_files assigns it a real row id.
func SyntheticRef(n int64) string { return "t_" + strconv.FormatInt(n, 10) }

// RewriteSyntheticRefs rewrites every #F[t_<n>:...] occurrence in pcmd
// whose synthetic id is a key of idMap to use its assigned real id,
// leaving every other reference untouched. Used once, right after
// bulk_save_task_files commits.
func RewriteSyntheticRefs(pcmd string, idMap map[string]int64) (string, error) {
	tokens, err := Parse(pcmd)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, t := range tokens {
		if !t.IsRef {
			b.WriteString(t.Literal)
			continue
		}
		id := t.RefID
		if real, ok := idMap[id]; ok {
			id = strconv.FormatInt(real, 10)
		}
		b.WriteString(open)
		b.WriteString(id)
		b.WriteString(":")
		b.WriteString(t.RefName)
		b.WriteString(":")
		b.WriteString(t.RefPath)
		b.WriteString(close)
	}
	return b.String(), nil
}

// SynthesizeOutputPath implements §4.7's output-path rule for a TaskFile
// lacking a path: <job_output_dir>/<name>.<fmt>, with the stem forced to
// "out" when name == fmt (so "out.bam" rather than "bam.bam").
func SynthesizeOutputPath(jobOutputDir, name, fmtName string) string {
	stem := name
	if stem == fmtName {
		stem = "out"
	}
	if fmtName == "" {
		return filepath.Join(jobOutputDir, stem)
	}
	return filepath.Join(jobOutputDir, stem+"."+fmtName)
}
