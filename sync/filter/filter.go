// Package filter decides which files of a directory tree a sync touches.
//
// Rules are include and exclude patterns plus size and age bounds.
// Patterns use "*" for any run of characters, "/" included, and "?" for
// one character. A pattern matches either the relative path or its last
// element:
//
//	f := filter.New(
//	    filter.Include("*.json"),
//	    filter.Exclude("*.lock"),
//	    filter.MaxSize(100*filter.MB),
//	)
//	if f.Match(filter.FileInfo{Path: "2024/q1.json", Size: 512}) {
//	    // copy it
//	}
package filter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/tidwall/match"
)

// Filter is an ordered set of rules. A nil Filter matches everything.
type Filter struct {
	rules []rule
	now   func() time.Time
}

type ruleType int

const (
	ruleInclude ruleType = iota
	ruleExclude
	ruleMinSize
	ruleMaxSize
	ruleMinAge
	ruleMaxAge
)

type rule struct {
	ruleType ruleType
	pattern  string
	size     int64
	duration time.Duration
}

// FileInfo is what a rule looks at. Size and ModTime are only consulted
// by size and age rules.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Option adds rules to a Filter.
type Option func(*Filter)

// New creates a Filter from options.
func New(opts ...Option) *Filter {
	f := &Filter{now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Filter) add(r rule) {
	f.rules = append(f.rules, r)
}

// Include keeps only files matching one of the include patterns.
func Include(pattern string) Option {
	return func(f *Filter) { f.add(rule{ruleType: ruleInclude, pattern: pattern}) }
}

// Exclude drops files matching the pattern. Excludes win over includes.
func Exclude(pattern string) Option {
	return func(f *Filter) { f.add(rule{ruleType: ruleExclude, pattern: pattern}) }
}

// MinSize drops files smaller than size bytes.
func MinSize(size int64) Option {
	return func(f *Filter) { f.add(rule{ruleType: ruleMinSize, size: size}) }
}

// MaxSize drops files larger than size bytes.
func MaxSize(size int64) Option {
	return func(f *Filter) { f.add(rule{ruleType: ruleMaxSize, size: size}) }
}

// MinAge drops files modified less than d ago.
func MinAge(d time.Duration) Option {
	return func(f *Filter) { f.add(rule{ruleType: ruleMinAge, duration: d}) }
}

// MaxAge drops files modified more than d ago.
func MaxAge(d time.Duration) Option {
	return func(f *Filter) { f.add(rule{ruleType: ruleMaxAge, duration: d}) }
}

// Parse reads rules, one per line: "+ pattern" includes, "- pattern" or a
// bare pattern excludes. Blank lines and lines starting with # are skipped.
func Parse(r io.Reader) (Option, error) {
	var opts []Option
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "+ "):
			opts = append(opts, Include(strings.TrimSpace(line[2:])))
		case strings.HasPrefix(line, "- "):
			opts = append(opts, Exclude(strings.TrimSpace(line[2:])))
		case line == "+" || line == "-":
			return nil, fmt.Errorf("filter: line %d: missing pattern", n)
		default:
			opts = append(opts, Exclude(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return func(f *Filter) {
		for _, opt := range opts {
			opt(f)
		}
	}, nil
}

// FromFile reads rules from a file. See Parse.
func FromFile(name string) (Option, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	return Parse(file)
}

// Match reports whether the file passes every rule.
func (f *Filter) Match(fi FileInfo) bool {
	if f.IsEmpty() {
		return true
	}

	hasIncludes, included := false, false
	for _, r := range f.rules {
		if r.ruleType == ruleInclude {
			hasIncludes = true
			if matchPattern(r.pattern, fi.Path) {
				included = true
			}
		}
	}
	if hasIncludes && !included {
		return false
	}

	for _, r := range f.rules {
		switch r.ruleType {
		case ruleExclude:
			if matchPattern(r.pattern, fi.Path) {
				return false
			}
		case ruleMinSize:
			if fi.Size < r.size {
				return false
			}
		case ruleMaxSize:
			if fi.Size > r.size {
				return false
			}
		case ruleMinAge:
			if f.now().Sub(fi.ModTime) < r.duration {
				return false
			}
		case ruleMaxAge:
			if f.now().Sub(fi.ModTime) > r.duration {
				return false
			}
		}
	}
	return true
}

// MatchPath matches by path only. Size and age rules see a zero FileInfo.
func (f *Filter) MatchPath(p string) bool {
	return f.Match(FileInfo{Path: p})
}

// NeedsInfo reports whether size or age rules are present, meaning Match
// needs more than the path.
func (f *Filter) NeedsInfo() bool {
	if f == nil {
		return false
	}
	for _, r := range f.rules {
		if r.ruleType != ruleInclude && r.ruleType != ruleExclude {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the filter has no rules.
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.rules) == 0
}

func matchPattern(pattern, p string) bool {
	return match.Match(p, pattern) || match.Match(path.Base(p), pattern)
}

// Size units for MinSize and MaxSize.
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
	TB = 1024 * GB
)
