package questionbank

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// SupportedVersions is the semver constraint a YAML bank must satisfy.
const SupportedVersions = "^1.0.0"

var (
	// ErrNoBankFile is returned when a path or pattern matches no file.
	ErrNoBankFile = errors.New("no question bank file found")
	// ErrUnsupportedFormat is returned for extensions other than .csv, .yaml and .yml.
	ErrUnsupportedFormat = errors.New("unsupported question bank format")
)

// Resolve expands a path or doublestar pattern to the first matching file in
// lexical order.
func Resolve(pattern string) (string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return "", ErrNoBankFile
	}
	if !strings.ContainsAny(pattern, "*?[{") {
		if _, err := os.Stat(pattern); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNoBankFile, pattern)
		}
		return pattern, nil
	}
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoBankFile, pattern)
	}
	sort.Strings(matches)
	return matches[0], nil
}

// Load resolves pattern and parses the bank, validating it.
func Load(pattern string) (*Bank, error) {
	path, err := Resolve(pattern)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open question bank: %w", err)
	}
	defer f.Close()

	var b *Bank
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		b, err = ParseCSV(f)
	case ".yaml", ".yml":
		b, err = ParseYAML(f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if b.Name == "" {
		b.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	b.Source = path
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return b, nil
}

// ParseYAML decodes a YAML bank and checks its version against
// SupportedVersions.
func ParseYAML(r io.Reader) (*Bank, error) {
	var b Bank
	if err := yaml.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := CheckVersion(b.Version); err != nil {
		return nil, err
	}
	return &b, nil
}

// CheckVersion reports whether version satisfies SupportedVersions. An empty
// version is accepted.
func CheckVersion(version string) error {
	if strings.TrimSpace(version) == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid bank version %q: %w", version, err)
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("bank version %s does not satisfy %s", v, SupportedVersions)
	}
	return nil
}

// Recognised CSV columns are dimension, dimension_key, question_id,
// question_text, reverse_scored and weight.
var requiredColumns = []string{"dimension", "question_id", "question_text"}

// ParseCSV reads a bank with one item per row. Rows keep their order and
// dimensions appear in order of first occurrence.
func ParseCSV(r io.Reader) (*Bank, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF")))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	field := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	b := &Bank{}
	pos := make(map[string]int)
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		name := field(rec, "dimension")
		if name == "" {
			continue
		}
		weight := 1.0
		if w := field(rec, "weight"); w != "" {
			weight, err = strconv.ParseFloat(w, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid weight %q", line, w)
			}
		}
		i, ok := pos[name]
		if !ok {
			i = len(b.Dimensions)
			pos[name] = i
			b.Dimensions = append(b.Dimensions, Dimension{Name: name, Key: field(rec, "dimension_key")})
		}
		b.Dimensions[i].Items = append(b.Dimensions[i].Items, Item{
			ID:      field(rec, "question_id"),
			Text:    field(rec, "question_text"),
			Reverse: parseBool(field(rec, "reverse_scored")),
			Weight:  weight,
		})
	}
	return b, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "是", "反向":
		return true
	}
	return false
}
